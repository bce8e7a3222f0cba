// Package app wires the gatekeep command line.
package app

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build metadata, set with -ldflags "-X github.com/vnykmshr/gatekeep/cmd/gatekeep/app.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the build metadata of the running binary.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// cli carries state shared by subcommands.
type cli struct {
	debug  bool
	logger *zap.Logger
}

func (c *cli) setupLogger(*cobra.Command, []string) error {
	var (
		logger *zap.Logger
		err    error
	)
	if c.debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	c.logger = logger
	return nil
}

func (c *cli) syncLogger(*cobra.Command, []string) {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// NewRootCmd creates the gatekeep root command.
func NewRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:               "gatekeep",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Distributed coordination service",
		Long: `gatekeep coordinates locks, adaptive rate limits, login lockouts and
rule evaluation across service instances sharing one Redis store.`,
		PersistentPreRunE: c.setupLogger,
		PersistentPostRun: c.syncLogger,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(c))
	root.AddCommand(newValidateCmd(c))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := GetVersionInfo()
			if format == "json" {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode version: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "gatekeep %s (commit %s, built %s, %s %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (json)")
	return cmd
}
