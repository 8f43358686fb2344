package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cloudmirror/cloudmirror/internal/client"
	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/version"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CLOUDMIRROR"

// flag name to config key
var flagKeys = map[string]string{
	"backend":       "backend",
	"bucket":        "bucket",
	"region":        "region",
	"endpoint":      "endpoint",
	"prefix":        "prefix",
	"push-interval": "push_interval",
	"longpoll-wait": "longpoll_wait",
	"restart-delay": "restart_delay",
	"scan-interval": "scan_interval",
	"concurrency":   "concurrency",
	"jitter":        "jitter",
	"watch":         "watch",
	"index-path":    "index_path",
	"log-file":      "log_file",
	"log-level":     "log_level",
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudmirror [flags] <credential> <local-root> <remote-root>",
		Short:   "Keep a local directory mirrored with a remote store",
		Version: version.Detailed(),
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, viper.New(), args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			cmd.SilenceUsage = true
			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			showBanner(cmd, cfg)

			c, err := client.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer slog.Info("bye")
			return c.Start(cmd.Context())
		},
	}

	defaults := config.Default()
	flags := cmd.Flags()
	flags.SortFlags = false
	flags.String("backend", defaults.Backend, "remote store backend (s3|memory)")
	flags.String("bucket", "", "S3 bucket")
	flags.String("region", "", "S3 region")
	flags.String("endpoint", "", "S3 compatible endpoint, switches to path style addressing")
	flags.String("prefix", "", "key prefix inside the bucket")
	flags.Duration("push-interval", defaults.PushInterval, "local scan interval")
	flags.Duration("longpoll-wait", defaults.LongPollWait, "long poll wait")
	flags.Duration("restart-delay", defaults.RestartDelay, "delay before restarting after a failure")
	flags.Duration("scan-interval", defaults.ScanInterval, "minimum interval between bucket listings")
	flags.Int("concurrency", defaults.Concurrency, "parallel transfers during the initial pass")
	flags.Duration("jitter", defaults.Jitter, "maximum random delay before each initial transfer")
	flags.Bool("watch", false, "run a push cycle early on filesystem events")
	flags.String("index-path", "", "change log database for the s3 backend, in memory when empty")
	flags.String("log-file", defaults.LogFile, "rotated log file, empty disables file logging")
	flags.String("log-level", defaults.LogLevel, "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadConfig merges, from lowest to highest priority, defaults, the config file, the
// environment, flags and the positional arguments.
func loadConfig(cmd *cobra.Command, v *viper.Viper, args []string) (*config.Config, error) {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home(), ".config", "cloudmirror"))
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"credential", "local_root", "remote_root"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if len(args) == 3 {
		v.Set("credential", args[0])
		v.Set("local_root", args[1])
		v.Set("remote_root", args[2])
	}
	return config.FromViper(v), nil
}

func home() string {
	dir, _ := os.UserHomeDir()
	return dir
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
