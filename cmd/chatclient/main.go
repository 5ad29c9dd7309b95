// Command chatclient runs a realtime chat session from a YAML config file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/teamchat/internal/config"
	"github.com/rickgao/teamchat/internal/version"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "chatclient",
	Short:         "Realtime team chat client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "chatclient %s\ncommit:  %s\nbuilt:   %s\ngo:      %s\n",
			info.Version, info.Commit, info.BuildTime, info.GoVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "configs/chatclient.example.yaml", "path to config file")
	rootCmd.AddCommand(runCmd, channelsCmd, historyCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("chatclient failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and installs the default logger.
func loadConfig() (*config.ClientConfig, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
