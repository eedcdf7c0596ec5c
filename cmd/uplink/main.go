package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/uplink/internal/config"
	"github.com/vango-dev/uplink/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	dir      string
	url      string
	jsonErrs bool
	noColor  bool
}

func main() {
	opts := &globalOptions{}
	rootCmd := newRootCmd(opts)

	if err := rootCmd.Execute(); err != nil {
		ue := errors.Classify(err, "E140")
		if opts.jsonErrs {
			fmt.Fprintln(os.Stderr, ue.FormatJSON())
		} else {
			errors.Fprint(os.Stderr, ue)
		}
		os.Exit(1)
	}
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "uplink",
		Short: "Serve and inspect Uplink stores",
		Long: `Uplink keeps JSON stores in sync between a server and its clients.

The serve command runs a server. The other commands are clients
of a running server: they read keys, watch them change, and
dispatch actions.

Configuration comes from uplink.json, a .env file and UPLINK_*
environment variables, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				errors.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "Directory containing uplink.json")
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "", "Server URL (default from config)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonErrs, "json-errors", false, "Print errors as JSON")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		initCmd(opts),
		serveCmd(opts),
		fetchCmd(opts),
		watchCmd(opts),
		dispatchCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

// loadConfig loads the configuration and applies the global overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.dir)
	if err != nil {
		return nil, err
	}
	if o.url != "" {
		cfg.Client.URL = o.url
	}
	return cfg, nil
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
