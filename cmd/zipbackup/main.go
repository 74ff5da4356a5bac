package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/zipbackup/internal/logging"
	"github.com/openmined/zipbackup/internal/version"
)

const envPrefix = "ZIPBACKUP"

// newRootCmd builds the command tree. The returned function closes the log
// file opened while running it and must be called once execution is over.
func newRootCmd() (*cobra.Command, func() error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var closeLog func() error
	rootCmd := &cobra.Command{
		Use:     "zipbackup",
		Short:   "Synchronize directories into monthly zip archives",
		Version: version.Detailed(),
		// main prints the error once
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			level, err := logging.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			logger, closeFn, err := logging.New(logging.Options{
				Level:   level,
				File:    v.GetString("log-file"),
				Console: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			closeLog = closeFn
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file")

	rootCmd.AddCommand(newSyncCmd(v))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd, func() error {
		if closeLog == nil {
			return nil
		}
		return closeLog()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd, closeLog := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if cerr := closeLog(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close log:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, red.Render("error: "+err.Error()))
		stop()
		os.Exit(1)
	}
}
