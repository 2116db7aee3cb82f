package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dd0wney/graphstore/pkg/config"
	"github.com/dd0wney/graphstore/pkg/logging"
	"github.com/dd0wney/graphstore/pkg/storage"
)

// --- Global Command Variables ---
var (
	configPath string
	dataDir    string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "graphstore",
		Short:         "Inspect and maintain a graphstore data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Open the store and print its state",
		RunE:  runStatus, // Defined in cmd_status.go
	}

	inspectCmd = &cobra.Command{
		Use:   "inspect [log file]",
		Short: "Walk a log file and summarise its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // Defined in cmd_inspect.go
	}

	maintenanceCmd = &cobra.Command{
		Use:   "maintenance [step...]",
		Short: "Run maintenance steps (truncate_log, delete_old_logs, save_index_states, ..., or all)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runMaintenance, // Defined in cmd_maintain.go
	}

	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the log without dead actions",
		RunE:  runCompact,
	}

	backupCmd = &cobra.Command{
		Use:   "backup [key]",
		Short: "Copy the current log to a directory or the configured S3 bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackup,
	}
)

var (
	compactOutput string
	compactExport string
	backupDir     string
	statusJSON    bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "./data", "data directory when no config file is given")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")

	compactCmd.Flags().StringVar(&compactOutput, "file", "", "name of the new log file (default: next in sequence)")
	compactCmd.Flags().StringVar(&compactExport, "export", "", "write the rewritten log to this directory instead of switching to it")

	backupCmd.Flags().StringVar(&backupDir, "dir", "", "copy into this directory instead of the configured S3 bucket")

	rootCmd.AddCommand(statusCmd, inspectCmd, maintenanceCmd, compactCmd, backupCmd)
}

// loadConfig reads --config, or builds defaults around --data.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
	} else {
		cfg = config.Default(dataDir)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

// openStore opens the configured store with a stderr JSON logger.
func openStore() (*storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewJSONLogger(os.Stderr, cfg.Level())
	s, err := storage.Open(cfg, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}
	return s, nil
}
