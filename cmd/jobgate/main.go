package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// options are the root persistent flags.
type options struct {
	configPath string
	apiURL     string
	token      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("jobgate failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "jobgate",
		Short:         "Exactly-once job dispatch gateway with session tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default $JOBGATE_CONFIG or ./jobgate.yaml)")
	root.PersistentFlags().StringVar(&opts.apiURL, "api-url", envOr("JOBGATE_API_URL", "http://127.0.0.1:8080"), "API base URL for client commands")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("JOBGATE_TOKEN"), "Bearer token for client commands")

	root.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newSubmissionCmd(opts),
		newSessionCmd(opts),
		newZombiesCmd(opts),
		newForceCloseCmd(opts),
		newWatchCmd(opts),
		newCheckCmd(opts),
		newTopCmd(opts),
		versionCmd,
	)
	return root
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "jobgate: version info not available")
			return
		}
		fmt.Fprintf(out, "jobgate: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:   %s\n", s.Value)
			}
		}
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
