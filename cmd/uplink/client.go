package main

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/uplink/internal/config"
	"github.com/vango-dev/uplink/internal/errors"
	"github.com/vango-dev/uplink/pkg/uplink"
)

// newClient builds a client from the client section of cfg. The client is
// not started.
func newClient(cfg *config.Config) (*uplink.Client, error) {
	cc := cfg.ClientConfig()
	cc.Logger = cfg.Logger(os.Stderr)
	c, err := uplink.New(cc)
	if err != nil {
		return nil, errors.New("E121").WithField("client").Wrap(err)
	}
	return c, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func fetchCmd(g *globalOptions) *cobra.Command {
	var bootstrap bool

	cmd := &cobra.Command{
		Use:   "fetch <key>...",
		Short: "Read store keys from a server",
		Long: `Read the current value of one or more store keys.

With --bootstrap the keys are read through the bootstrap endpoint
in a single request, together with a fresh guid and the server pid.

Examples:
  uplink fetch /todos
  uplink fetch /users/1 /users/2
  uplink fetch --bootstrap /todos`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if bootstrap {
				return runBootstrap(cmd.Context(), cmd.OutOrStdout(), cfg, args)
			}
			return runFetch(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}

	cmd.Flags().BoolVarP(&bootstrap, "bootstrap", "b", false, "Read through the bootstrap endpoint")

	return cmd
}

func runFetch(ctx context.Context, out io.Writer, cfg *config.Config, keys []string) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, key := range keys {
		value, ok := c.Fetch(ctx, key)
		if !ok {
			return errors.New("E080").
				WithField(key).
				WithDetail("Could not read " + key + " from " + cfg.Client.URL)
		}
		printValue(out, key, value, len(keys) > 1)
	}
	return nil
}

func runBootstrap(ctx context.Context, out io.Writer, cfg *config.Config, keys []string) error {
	b, err := uplink.FetchBootstrap(ctx, nil, cfg.BootstrapURL(), cfg.Client.Guid, keys...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "guid %s\npid  %s\n", b.Guid, b.PID)

	c, err := uplink.New(&uplink.Config{
		URL:       cfg.Client.URL,
		Logger:    cfg.Logger(io.Discard),
		Bootstrap: b,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	for _, key := range keys {
		value, err := c.Get(key)
		if err != nil {
			return errors.Classify(err, "E080").WithField(key)
		}
		printValue(out, key, value, true)
	}
	return nil
}

func printValue(out io.Writer, key string, value json.RawMessage, labeled bool) {
	if labeled {
		fmt.Fprintf(out, "%s %s\n", key, value)
		return
	}
	fmt.Fprintf(out, "%s\n", value)
}

func watchCmd(g *globalOptions) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "watch [key...]",
		Short: "Print store values and events as they change",
		Long: `Subscribe to store keys and listen to events, printing every
value and event until interrupted.

The client reconnects with backoff when the connection drops and
recovers its session if the server still has it.

Examples:
  uplink watch /todos
  uplink watch /counter --event tick --event reset`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(events) == 0 {
				return errors.New("E140").
					WithDetail("Nothing to watch").
					WithSuggestion("Pass at least one key or --event")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWatch(ctx, cmd.OutOrStdout(), cfg, args, events)
		},
	}

	cmd.Flags().StringArrayVarP(&events, "event", "e", nil, "Event to listen to (repeatable)")

	return cmd
}

// runWatch blocks until ctx is done.
func runWatch(ctx context.Context, out io.Writer, cfg *config.Config, keys, events []string) error {
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	rs := uplink.NewRemoteStore(c)
	defer rs.Destroy()

	lines := newLinePrinter(out)
	for _, name := range events {
		if _, err := c.ListenTo(name, func(params json.RawMessage) {
			lines.printf("event %s %s\n", name, params)
		}); err != nil {
			return err
		}
	}
	if err := c.Connect(ctx); err != nil {
		return errors.Classify(err, "E060")
	}
	info("connected to %s as %s", cfg.Client.URL, c.Guid())

	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if _, err := rs.Sub(ctx, key, func(key string, value json.RawMessage) {
			lines.printf("%s %s\n", key, value)
		}); err != nil {
			return errors.Classify(err, "E080").WithField(key)
		}
	}

	<-ctx.Done()
	return nil
}

func dispatchCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <action> [params]",
		Short: "Run a server action",
		Long: `Run a server action and print its JSON result.

Params must be a JSON document. Use - to read them from stdin.

Examples:
  uplink dispatch /todos/add '{"title":"write docs"}'
  echo '{"id":3}' | uplink dispatch /todos/remove -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
				if args[1] == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return errors.New("E101").Wrap(err)
					}
					raw = data
				}
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			return runDispatch(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], raw)
		},
	}
	return cmd
}

func runDispatch(ctx context.Context, out io.Writer, cfg *config.Config, action string, raw []byte) error {
	var params any
	if len(raw) > 0 {
		if !json.Valid(raw) {
			return errors.New("E101").
				WithField(action).
				WithDetail("Params are not valid JSON: " + string(raw))
		}
		params = json.RawMessage(raw)
	}

	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.Dispatch(ctx, action, params)
	if err != nil {
		var derr *uplink.DispatchError
		if stderrors.As(err, &derr) {
			ue := errors.New("E100").WithField(action).Wrap(err)
			if derr.Stack != "" {
				ue.WithDetail(derr.Stack)
			}
			return ue
		}
		return err
	}
	fmt.Fprintf(out, "%s\n", result)
	return nil
}

// linePrinter serializes writes from callbacks and the command goroutine.
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newLinePrinter(out io.Writer) *linePrinter {
	return &linePrinter{out: out}
}

func (p *linePrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
