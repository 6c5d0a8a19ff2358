// Package config loads the scanning engine's configuration from a
// viper instance, the way every engine subcommand does via its root
// command's PersistentPreRunE.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// StoreCfg describes how to reach the persisted-state database.
type StoreCfg struct {
	Driver string `mapstructure:"driver"` // "postgres" or "mysql"
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	User   string `mapstructure:"user"`
	Pass   string `mapstructure:"pass"`
	DBName string `mapstructure:"dbname"`
	SSLMode string `mapstructure:"sslmode"`
}

// ScanCfg holds the evaluator's lookback window and the coverage
// scanner's thresholds, overridable per-invocation by CLI flags.
type ScanCfg struct {
	LookbackDays int     `mapstructure:"lookback_days"`
	MinClaims    int     `mapstructure:"min_claims"`
	MinMargin    float64 `mapstructure:"min_margin"`
	DMEMinMargin float64 `mapstructure:"dme_min_margin"`
}

// IngestCfg holds ingestion batching defaults.
type IngestCfg struct {
	BatchSize int `mapstructure:"batch_size"`
}

// LoggingCfg mirrors logger.Config's fields for YAML binding.
type LoggingCfg struct {
	Level        string `mapstructure:"level"`
	ConsoleLevel string `mapstructure:"console_level"`
	DebugFile    string `mapstructure:"debug_file"`
	RunLogFile   string `mapstructure:"run_log_file"`
	Development  bool   `mapstructure:"development"`
}

// AuditChainCfg configures the tamper-evidence checkpoint signer.
type AuditChainCfg struct {
	PrivateKeyPath string `mapstructure:"private_key_path"`
	CheckpointDir  string `mapstructure:"checkpoint_dir"`
}

// Config is the top-level engine configuration.
type Config struct {
	Store      StoreCfg      `mapstructure:"store"`
	Scan       ScanCfg       `mapstructure:"scan"`
	Ingest     IngestCfg     `mapstructure:"ingest"`
	Logging    LoggingCfg    `mapstructure:"logging"`
	AuditChain AuditChainCfg `mapstructure:"audit_chain"`
}

var cfg *Config

// Load populates the global config from a viper instance, applying
// defaults for any field the config file or environment omits.
func Load(v *viper.Viper) error {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sslmode", "disable")
	v.SetDefault("scan.lookback_days", 90)
	v.SetDefault("scan.min_claims", 1)
	v.SetDefault("scan.min_margin", 10.0)
	v.SetDefault("scan.dme_min_margin", 3.0)
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("logging.level", "info")
	v.SetDefault("audit_chain.checkpoint_dir", "./checkpoints")

	if driver := v.GetString("store.driver"); driver != "" && driver != "postgres" && driver != "mysql" {
		return fmt.Errorf("store.driver must be \"postgres\" or \"mysql\", got %q", driver)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = &c
	return nil
}

// Get returns the global config, defaulting to a zero-value Config if
// Load was never called.
func Get() *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg
}
