package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/uplink/internal/config"
	"github.com/vango-dev/uplink/internal/errors"
	"github.com/vango-dev/uplink/pkg/server"
	"github.com/vango-dev/uplink/pkg/store"
)

// Admin action paths installed by serve --admin.
const (
	adminSet    = "/_admin/set"
	adminDelete = "/_admin/delete"
	adminEmit   = "/_admin/emit"
)

type serveOptions struct {
	address string
	seed    string
	metrics string
	dev     bool
	admin   bool
}

func serveCmd(g *globalOptions) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an Uplink server",
		Long: `Run an Uplink server.

Stores are seeded from the seed file, if any. With --admin the
server also accepts actions that change stores and emit events,
which makes it usable as a standalone hub:

  uplink dispatch /_admin/set '{"key":"/greeting","value":"hi"}'
  uplink dispatch /_admin/emit '{"event":"ping"}'

Examples:
  uplink serve
  uplink serve --address=:9000 --seed=seed.json
  uplink serve --admin --metrics=/metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			srv, err := newServer(cfg, opts)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}

	cmd.Flags().StringVarP(&opts.address, "address", "a", "", "Address to listen on (default from config)")
	cmd.Flags().StringVar(&opts.seed, "seed", "", "Seed file of initial store values")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "Path to serve Prometheus metrics on")
	cmd.Flags().BoolVar(&opts.dev, "dev", false, "Development mode: action errors include stacks")
	cmd.Flags().BoolVar(&opts.admin, "admin", false, "Install the admin actions")

	return cmd
}

// newServer builds a server from cfg with the command-line overrides applied.
func newServer(cfg *config.Config, opts serveOptions) (*server.Server, error) {
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if opts.metrics != "" {
		cfg.Server.MetricsPath = opts.metrics
	}
	if opts.dev {
		cfg.Server.DevMode = true
	}

	sc := cfg.ServerConfig()
	sc.Logger = cfg.Logger(os.Stderr)
	if sc.MetricsPath != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sc.Registry = reg
	}
	if err := sc.ValidateConfig(); err != nil {
		return nil, errors.New("E121").Wrap(err)
	}

	srv := server.New(sc)

	seedPath := opts.seed
	if seedPath == "" {
		seedPath = cfg.SeedPath()
	}
	if seedPath != "" {
		if err := seed(srv, seedPath); err != nil {
			return nil, err
		}
	}
	if opts.admin {
		installAdmin(srv)
	}
	return srv, nil
}

// seed loads a snapshot file into the server's stores.
func seed(srv *server.Server, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.New("E081").WithField(path).Wrap(err)
	}
	snap, err := store.DecodeSnapshot(blob)
	if err != nil {
		return errors.New("E081").WithField(path).Wrap(err)
	}
	for key, value := range snap.Values {
		if err := srv.SetStore(context.Background(), key, value); err != nil {
			return errors.New("E082").WithField(key).Wrap(err)
		}
	}
	srv.Logger().Info("seeded stores", "path", path, "keys", len(snap.Values))
	return nil
}

type setParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type emitParams struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params,omitempty"`
}

func installAdmin(srv *server.Server) {
	srv.HandleAction(adminSet, func(ctx *server.Context, params json.RawMessage) (any, error) {
		var p setParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		if len(p.Value) == 0 {
			p.Value = json.RawMessage("null")
		}
		if err := ctx.Server.SetStore(ctx.StdContext(), p.Key, p.Value); err != nil {
			return nil, err
		}
		v, _ := ctx.Server.GetStore(p.Key)
		return v, nil
	})
	srv.HandleAction(adminDelete, func(ctx *server.Context, params json.RawMessage) (any, error) {
		var p setParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("delete: %w", err)
		}
		return nil, ctx.Server.DeleteStore(p.Key)
	})
	srv.HandleAction(adminEmit, func(ctx *server.Context, params json.RawMessage) (any, error) {
		var p emitParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("emit: %w", err)
		}
		var v any
		if len(p.Params) > 0 {
			v = p.Params
		}
		return nil, ctx.Server.EmitEvent(p.Event, v)
	})
}
