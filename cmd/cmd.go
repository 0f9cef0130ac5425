package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aliuwahab/kitua-sub001/internal"
)

var (
	clearData bool
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "kitua-payments",
	Short: "Payment provider integration layer",
	Long:  `Initiates payments through external providers, ingests their webhooks and reconciles stale payments.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads config.yml from path, or the environment when running in a
// container. Keys missing from the file fall back to the same defaults the
// environment loader uses.
func loadConfig(path string) (*internal.Config, error) {
	if os.Getenv("APP_ENV") == "production" || os.Getenv("DOCKER_ENV") == "true" {
		cfg := internal.LoadConfigFromEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("error validating config from environment: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix("ENV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	var cfg internal.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := internal.LoadConfigFromEnv()

	v.SetDefault("http_server.port", d.Server.Port)
	v.SetDefault("http_server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("http_server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("http_server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("http_server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)

	v.SetDefault("redis.ttl", d.Redis.TTL)

	v.SetDefault("observability.metrics.path", d.Observability.Metrics.Path)
	v.SetDefault("observability.logging.level", d.Observability.Logging.Level)
	v.SetDefault("observability.logging.format", d.Observability.Logging.Format)

	v.SetDefault("webhook.workers", d.Webhook.Workers)
	v.SetDefault("webhook.queue_size", d.Webhook.QueueSize)
	v.SetDefault("webhook.max_attempts", d.Webhook.MaxAttempts)
	v.SetDefault("webhook.base_delay", d.Webhook.BaseDelay)
	v.SetDefault("webhook.max_delay", d.Webhook.MaxDelay)
	v.SetDefault("webhook.retry_interval", d.Webhook.RetryInterval)
	v.SetDefault("webhook.batch_size", d.Webhook.BatchSize)

	v.SetDefault("reconciliation.interval", d.Reconciliation.Interval)
	v.SetDefault("reconciliation.grace_period", d.Reconciliation.GracePeriod)
	v.SetDefault("reconciliation.expire_after", d.Reconciliation.ExpireAfter)
	v.SetDefault("reconciliation.batch_size", d.Reconciliation.BatchSize)

	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)

	v.SetDefault("payments.call_timeout", d.Payments.CallTimeout)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory containing config.yml")
	seedCmd.Flags().BoolVar(&clearData, "clear", false, "Clear existing data before seeding")

	rootCmd.AddCommand(httpServerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}
