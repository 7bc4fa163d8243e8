package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"EnigmaNetz/Enigma-Cell-Sensor/config"
	collect_logs "EnigmaNetz/Enigma-Cell-Sensor/internal/collect_logs"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/sensor"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/version"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.InitializeLogging(); err != nil {
				return err
			}
			log := logger.GetLogger()
			log.Info("Starting cell-sensor %s", version.Version)
			log.Debug("Loaded config: %+v", cfg)

			return sensor.RunSensor(cmd.Context(), cfg, nil)
		},
	}
}

func entriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List recordings in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			entries, err := store.ReadManifest(cfg.Store.Path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries))
			return nil
		},
	}
}

// renderEntries formats the manifest as a table. Current entries are
// green and entries with warnings red.
func renderEntries(entries []store.Entry) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.DrawBorder = false
	tbl.Style().Options.SeparateColumns = false

	tbl.AppendHeader(table.Row{"Name", "Started", "Last message", "Capture", "Analysis", "Warnings", "State"})
	for _, e := range entries {
		state := string(e.State)
		if e.Current() {
			state = color.GreenString(state)
		}
		warnings := fmt.Sprintf("%d", e.Warnings)
		if e.Warnings > 0 {
			warnings = color.RedString(warnings)
		}
		tbl.AppendRow(table.Row{
			e.Name,
			e.StartTime.Local().Format(time.DateTime),
			humanize.Time(e.LastMessageTime),
			humanize.IBytes(uint64(e.CaptureSize)),
			humanize.IBytes(uint64(e.AnalysisSize)),
			warnings,
			state,
		})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d recordings", len(entries))})
	return tbl.Render()
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return writeConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func collectLogsCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "collect-logs",
		Short: "Package logs, recordings, config, and diagnostics into a zip archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("cell-sensor-logs-%s.zip", time.Now().Format("20060102-150405"))
			}
			if err := collect_logs.CollectLogs(output, cfg); err != nil {
				return fmt.Errorf("failed to collect logs: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s with logs, recordings, config, and diagnostics.\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "zip file to write")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cell-sensor %s\n", version.Version)
		},
	}
}
