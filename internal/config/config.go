package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Network  NetworkConfig  `mapstructure:"network"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Rest     RestConfig     `mapstructure:"rest"`
	Log      LogConfig      `mapstructure:"log"`
}

// NodeConfig holds the local identity settings
type NodeConfig struct {
	Role    string `mapstructure:"role"`
	KeyFile string `mapstructure:"keyFile"`
}

// NetworkConfig holds libp2p settings
type NetworkConfig struct {
	Listen      []string      `mapstructure:"listen"`
	Bootstrap   []string      `mapstructure:"bootstrap"`
	Topic       string        `mapstructure:"topic"`
	Rendezvous  string        `mapstructure:"rendezvous"`
	SendTimeout time.Duration `mapstructure:"sendTimeout"`
}

// LedgerConfig holds consensus tuning
type LedgerConfig struct {
	BatchSize           int           `mapstructure:"batchSize"`
	PoolCapacity        int           `mapstructure:"poolCapacity"`
	ProductionThreshold int           `mapstructure:"productionThreshold"`
	LowReputation       int           `mapstructure:"lowReputation"`
	AutoDeregister      bool          `mapstructure:"autoDeregister"`
	DemotionCooldown    time.Duration `mapstructure:"demotionCooldown"`
	SyncWindow          time.Duration `mapstructure:"syncWindow"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	Production time.Duration `mapstructure:"production"`
	Sync       time.Duration `mapstructure:"sync"`
	Evaluation time.Duration `mapstructure:"evaluation"`
}

// StorageConfig selects the archive backend
type StorageConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

// RestConfig holds the HTTP listener
type RestConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"maxSizeMB"`
	MaxBackups  int    `mapstructure:"maxBackups"`
	MaxAgeDays  int    `mapstructure:"maxAgeDays"`
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	// AIDCHAIN_LEDGER_BATCHSIZE overrides ledger.batchSize, and so on.
	v.SetEnvPrefix("AIDCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.role", "endpoint")
	v.SetDefault("node.keyFile", "data/node.key")
	v.SetDefault("network.listen", []string{"/ip4/0.0.0.0/tcp/4001"})
	v.SetDefault("network.bootstrap", []string{})
	v.SetDefault("network.topic", "aidchain/ledger")
	v.SetDefault("network.rendezvous", "aidchain")
	v.SetDefault("network.sendTimeout", 10*time.Second)
	v.SetDefault("ledger.batchSize", 100)
	v.SetDefault("ledger.poolCapacity", 10000)
	v.SetDefault("ledger.productionThreshold", 50)
	v.SetDefault("ledger.lowReputation", 20)
	v.SetDefault("ledger.autoDeregister", true)
	v.SetDefault("ledger.demotionCooldown", 30*time.Minute)
	v.SetDefault("ledger.syncWindow", 5*time.Second)
	v.SetDefault("schedule.production", 10*time.Second)
	v.SetDefault("schedule.sync", 60*time.Second)
	v.SetDefault("schedule.evaluation", 30*time.Second)
	v.SetDefault("storage.engine", "pebble")
	v.SetDefault("storage.path", "data/ledger")
	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 10)
	v.SetDefault("log.maxAgeDays", 30)
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.BatchSize <= 0 {
		return fmt.Errorf("ledger.batchSize must be positive, got %d", c.Ledger.BatchSize)
	}
	if c.Ledger.LowReputation < 0 || c.Ledger.LowReputation > 100 {
		return fmt.Errorf("ledger.lowReputation must be within [0,100], got %d", c.Ledger.LowReputation)
	}
	for name, d := range map[string]time.Duration{
		"schedule.production": c.Schedule.Production,
		"schedule.sync":       c.Schedule.Sync,
		"schedule.evaluation": c.Schedule.Evaluation,
		"ledger.syncWindow":   c.Ledger.SyncWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Ledger.SyncWindow >= c.Schedule.Sync {
		return fmt.Errorf("ledger.syncWindow (%s) must be shorter than schedule.sync (%s)", c.Ledger.SyncWindow, c.Schedule.Sync)
	}
	return nil
}
