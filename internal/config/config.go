// Package config resolves pipeline settings from the environment, CLI flags,
// an optional config.yaml, and built-in defaults, in that order of precedence.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the raw, merged configuration tree.
type Config struct {
	Project    string           `yaml:"project" mapstructure:"project"`
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	OpenAQ     OpenAQConfig     `yaml:"openaq" mapstructure:"openaq"`
	Transform  TransformConfig  `yaml:"transform" mapstructure:"transform"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// WarehouseConfig configures the Postgres warehouse.
type WarehouseConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Dataset     string `yaml:"dataset" mapstructure:"dataset"`
	Table       string `yaml:"table" mapstructure:"table"`
	Location    string `yaml:"location" mapstructure:"location"`
}

// OpenAQConfig configures the OpenAQ fetch.
type OpenAQConfig struct {
	APIKey              string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	DateFrom            string  `yaml:"date_from" mapstructure:"date_from"`
	DateTo              string  `yaml:"date_to" mapstructure:"date_to"`
	ParameterID         int64   `yaml:"parameter_id" mapstructure:"parameter_id"`
	SensorIDsFile       string  `yaml:"sensor_ids_file" mapstructure:"sensor_ids_file"`
	SensorIDs           string  `yaml:"sensor_ids" mapstructure:"sensor_ids"`
	Limit               int     `yaml:"limit" mapstructure:"limit"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries          int     `yaml:"max_retries" mapstructure:"max_retries"`
	SleepBetweenPages   float64 `yaml:"sleep_between_pages" mapstructure:"sleep_between_pages"`
	SleepBetweenSensors float64 `yaml:"sleep_between_sensors" mapstructure:"sleep_between_sensors"`
	MaxPages            int     `yaml:"max_pages" mapstructure:"max_pages"`
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// TransformConfig configures the SQL transform runner.
type TransformConfig struct {
	SQLDir               string  `yaml:"sql_dir" mapstructure:"sql_dir"`
	ProgressIntervalSecs float64 `yaml:"progress_interval_secs" mapstructure:"progress_interval_secs"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleRunMinutes      int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
	MaxIngestAgeHours    int     `yaml:"max_ingest_age_hours" mapstructure:"max_ingest_age_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// binding ties a config key to its environment aliases and CLI flag.
type binding struct {
	key  string
	envs []string
	flag string
}

var bindings = []binding{
	{"project", []string{"GOOGLE_CLOUD_PROJECT", "PROJECT_ID"}, "project"},
	{"warehouse.database_url", []string{"DATABASE_URL"}, "database-url"},
	{"warehouse.dataset", []string{"BQ_DATASET_RAW", "BQ_DATASET"}, "bq-dataset"},
	{"warehouse.table", []string{"BQ_TABLE_RAW", "BQ_TABLE"}, "bq-table"},
	{"warehouse.location", []string{"BQ_LOCATION", "LOCATION"}, "bq-location"},
	{"openaq.api_key", []string{"OPENAQ_API_KEY"}, "api-key"},
	{"openaq.base_url", []string{"OPENAQ_BASE_URL"}, ""},
	{"openaq.date_from", []string{"DATE_FROM"}, "date-from"},
	{"openaq.date_to", []string{"DATE_TO"}, "date-to"},
	{"openaq.parameter_id", []string{"PARAMETER_ID"}, "parameter-id"},
	{"openaq.sensor_ids_file", []string{"IDS_FILE", "SENSOR_IDS_FILE"}, "sensor-ids-file"},
	{"openaq.sensor_ids", []string{"IDS", "SENSOR_IDS"}, "sensor-ids"},
	{"openaq.limit", []string{"LIMIT_PER_PAGE", "LIMIT"}, "limit"},
	{"openaq.timeout_secs", []string{"TIMEOUT_SEC", "TIMEOUT"}, "timeout"},
	{"openaq.max_retries", []string{"MAX_RETRIES"}, "max-retries"},
	{"openaq.sleep_between_pages", []string{"SLEEP_BETWEEN_PAGES"}, "sleep-between-pages"},
	{"openaq.sleep_between_sensors", []string{"SLEEP_BETWEEN_SENSORS"}, "sleep-between-sensors"},
	{"openaq.max_pages", []string{"MAX_PAGES"}, "max-pages"},
	{"openaq.requests_per_second", []string{"OPENAQ_RPS"}, ""},
	{"transform.sql_dir", []string{"SQL_DIR"}, "sql-dir"},
	{"monitoring.webhook_url", []string{"ALERT_WEBHOOK_URL"}, "webhook-url"},
	{"monitoring.failure_rate_threshold", []string{"ALERT_FAILURE_RATE"}, ""},
	{"monitoring.lookback_window_hours", []string{"ALERT_LOOKBACK_HOURS"}, "lookback-hours"},
	{"monitoring.stale_run_minutes", []string{"ALERT_STALE_RUN_MINUTES"}, ""},
	{"monitoring.max_ingest_age_hours", []string{"ALERT_MAX_INGEST_AGE_HOURS"}, ""},
	{"log.level", []string{"LOG_LEVEL"}, "log-level"},
	{"log.format", []string{"LOG_FORMAT"}, ""},
}

// Load reads configuration. flags may be nil; only flags the user actually
// set are consulted, and only when no environment alias for the same key
// is set.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Defaults
	v.SetDefault("warehouse.dataset", "raw")
	v.SetDefault("warehouse.table", "openaq_pm25_days_raw")
	v.SetDefault("warehouse.location", "europe-north2")
	v.SetDefault("openaq.base_url", "https://api.openaq.org/v3")
	v.SetDefault("openaq.date_from", DefaultDateFrom)
	v.SetDefault("openaq.parameter_id", -1)
	v.SetDefault("openaq.limit", 1000)
	v.SetDefault("openaq.timeout_secs", 40)
	v.SetDefault("openaq.max_retries", 6)
	v.SetDefault("openaq.sleep_between_pages", 0.4)
	v.SetDefault("openaq.sleep_between_sensors", 1.5)
	v.SetDefault("openaq.max_pages", 1000)
	v.SetDefault("openaq.requests_per_second", 1.0)
	v.SetDefault("transform.sql_dir", "/app/sql")
	v.SetDefault("transform.progress_interval_secs", 5.0)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_run_minutes", 120)
	v.SetDefault("monitoring.max_ingest_age_hours", 36)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Environment
	for _, b := range bindings {
		args := append([]string{b.key}, b.envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env for %s", b.key)
		}
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	// Flags rank below the environment but above the file.
	if flags != nil {
		for _, b := range bindings {
			if b.flag == "" || envSet(b.envs) {
				continue
			}
			if f := flags.Lookup(b.flag); f != nil && f.Changed {
				v.Set(b.key, f.Value.String())
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func envSet(names []string) bool {
	for _, n := range names {
		if strings.TrimSpace(os.Getenv(n)) != "" {
			return true
		}
	}
	return false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
