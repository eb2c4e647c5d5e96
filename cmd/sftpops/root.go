package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/sftpops"
)

var (
	cfg    *sftpops.FileConfig
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sftpops",
	Short: "Remote file operations over SFTP",
	Long: `sftpops lists, fetches, stores, moves and deletes files on an SFTP server.

Connection settings come from .sftpops.yaml, SFTPOPS_* environment variables
(SFTPOPS_ENDPOINT_HOST, SFTPOPS_OPTIONS_FILE_EXIST, ...) and flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		loader := sftpops.NewLoader()
		v := loader.Viper()
		for key, flag := range map[string]string{
			"endpoint.host":                     "host",
			"endpoint.port":                     "port",
			"endpoint.user":                     "user",
			"endpoint.key_path":                 "key",
			"endpoint.known_hosts_file":         "known-hosts",
			"endpoint.strict_host_key_checking": "strict-host-key-checking",
			"options.stepwise":                  "stepwise",
			"options.fast_exists_check":         "fast-exists-check",
			"log_level":                         "log-level",
			"log_format":                        "log-format",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}

		configPath, _ := cmd.Flags().GetString("config")
		var err error
		if configPath != "" {
			cfg, err = loader.LoadFile(configPath)
		} else {
			cfg, err = loader.Load()
		}
		if err != nil {
			return err
		}

		logger = newLogger(cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command until it finishes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path (default: .sftpops.yaml in ., $HOME, /etc/sftpops)")
	flags.String("env-file", ".env", "dotenv file loaded before the configuration")
	flags.StringP("host", "H", "", "SFTP server host")
	flags.IntP("port", "p", 22, "SFTP server port")
	flags.StringP("user", "u", "", "SSH user")
	flags.StringP("key", "i", "", "private key file")
	flags.String("known-hosts", "", "known_hosts file")
	flags.String("strict-host-key-checking", "yes", "yes or no")
	flags.Bool("stepwise", false, "change directories one segment at a time")
	flags.Bool("fast-exists-check", false, "check existence by listing the name itself")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}

// connect builds Operations from the loaded configuration, letting modify
// adjust the options first, and connects it.
func connect(ctx context.Context, modify func(*sftpops.Options)) (*sftpops.Operations, error) {
	opts := cfg.Options
	if modify != nil {
		modify(&opts)
	}

	ops, err := sftpops.New(cfg.Endpoint, opts, sftpops.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := ops.Connect(ctx); err != nil {
		return nil, err
	}
	return ops, nil
}
