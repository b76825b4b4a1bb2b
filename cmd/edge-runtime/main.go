// Command edge-runtime runs JavaScript and TypeScript services in isolated
// workers and packs services into bundle archives.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/edgeruntime/internal/logging"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen)
)

type rootOptions struct {
	logging logging.Options
	envFile string
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "edge-runtime",
		Short:         "A server based on Deno runtime, capable of running JavaScript, TypeScript, and WASM services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			opts.log = logging.New(opts.logging)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.logging.Verbose, "verbose", "v", false, "Use verbose output")
	pf.BoolVarP(&opts.logging.Quiet, "quiet", "q", false, "Do not print any log messages")
	pf.BoolVar(&opts.logging.LogSource, "log-source", false, "Include source file and line in log messages")
	pf.BoolVar(&opts.logging.JSON, "log-json", false, "Write log messages as JSON")
	pf.StringVar(&opts.envFile, "env-file", ".env", "Environment file read before EDGE_RUNTIME_* variables")

	cmd.AddCommand(newStartCmd(opts), newBundleCmd(opts), newUnbundleCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
