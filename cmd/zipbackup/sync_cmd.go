package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/zipbackup/internal/backup"
	"github.com/openmined/zipbackup/internal/config"
	"github.com/openmined/zipbackup/internal/progress"
)

var errSyncFailed = errors.New("sync finished with errors")

func newSyncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the archives of every configured item up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := v.GetString("config")
			if configPath == "" {
				return errors.New("no config file given, use --config")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			var reporter backup.Reporter = backup.NopReporter{}
			if !v.GetBool("no-progress") {
				reporter = progress.NewConsole(cmd.OutOrStdout())
			}

			fsys := afero.NewOsFs()
			engine := backup.NewEngine(fsys,
				backup.WithReporter(reporter),
				backup.WithWorkers(v.GetInt("workers")),
				backup.WithDryRun(v.GetBool("dry-run")),
			)
			report, runErr := backup.NewRunner(fsys, engine).Run(cmd.Context(), cfg)

			if path := v.GetString("report"); path != "" {
				if err := writeReport(path, report); err != nil {
					return errors.Join(runErr, err)
				}
				slog.Debug("report written", "path", path)
			}

			printSummary(cmd, report)
			if runErr != nil || report.Failed() {
				return errSyncFailed
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("config", "c", "", "YAML file listing the items to back up")
	cmd.Flags().Bool("dry-run", false, "compute and report changes without writing")
	cmd.Flags().IntP("workers", "w", runtime.NumCPU(), "parallel workers for scanning and diffing")
	cmd.Flags().String("report", "", "write a JSON run report to this file")
	cmd.Flags().Bool("no-progress", false, "disable console progress output")
	return cmd
}

func writeReport(path string, report *backup.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func printSummary(cmd *cobra.Command, report *backup.Report) {
	var roots, failed int
	for _, it := range report.Items {
		if it.Error != "" && len(it.Roots) == 0 {
			failed++
		}
		for _, r := range it.Roots {
			roots++
			if r.Error != "" {
				failed++
			}
		}
	}

	line := fmt.Sprintf("%d items, %d roots in %s", len(report.Items), roots, report.Duration.Round(time.Millisecond))
	out := cmd.OutOrStdout()
	if failed > 0 {
		fmt.Fprintln(out, red.Render(fmt.Sprintf("%s, %d failed", line, failed)))
		return
	}
	if report.DryRun {
		line += gray.Render(" (dry run)")
	}
	fmt.Fprintln(out, green.Render(line))
}
