package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ComplianceConfig tunes the submission retry loop. It lives in a mounted
// file so operators can adjust backoff without a redeploy.
type ComplianceConfig struct {
	SubmitTimeout    time.Duration `mapstructure:"submitTimeout"`
	RetryBaseDelay   time.Duration `mapstructure:"retryBaseDelay"`
	RetryMaxDelay    time.Duration `mapstructure:"retryMaxDelay"`
	RetryMaxAttempts int           `mapstructure:"retryMaxAttempts"`
}

func DefaultComplianceConfig() ComplianceConfig {
	return ComplianceConfig{
		SubmitTimeout:    15 * time.Second,
		RetryBaseDelay:   time.Minute,
		RetryMaxDelay:    6 * time.Hour,
		RetryMaxAttempts: 12,
	}
}

type ComplianceConfigHolder struct {
	current atomic.Value // holds ComplianceConfig
}

func NewComplianceConfigHolder() (*ComplianceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("compliance")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/veriledger/config")
	v.AddConfigPath("/etc/veriledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VERILEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultComplianceConfig()
	v.SetDefault("compliance.submitTimeout", defaults.SubmitTimeout)
	v.SetDefault("compliance.retryBaseDelay", defaults.RetryBaseDelay)
	v.SetDefault("compliance.retryMaxDelay", defaults.RetryMaxDelay)
	v.SetDefault("compliance.retryMaxAttempts", defaults.RetryMaxAttempts)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ComplianceConfig
	if err := v.UnmarshalKey("compliance", &cfg); err != nil {
		return nil, err
	}
	if err := validateComplianceConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ComplianceConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ComplianceConfig
		if err := v.UnmarshalKey("compliance", &updated); err != nil {
			log.Printf("[compliance-config] reload failed: %v", err)
			return
		}
		if err := validateComplianceConfig(updated); err != nil {
			log.Printf("[compliance-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[compliance-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func NewStaticComplianceConfigHolder(cfg ComplianceConfig) *ComplianceConfigHolder {
	holder := &ComplianceConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ComplianceConfigHolder) Get() ComplianceConfig {
	return h.current.Load().(ComplianceConfig)
}

func validateComplianceConfig(cfg ComplianceConfig) error {
	if cfg.SubmitTimeout <= 0 {
		return errors.New("compliance.submitTimeout must be positive")
	}
	if cfg.RetryBaseDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return errors.New("compliance retry delays are inconsistent")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return errors.New("compliance.retryMaxAttempts must be positive")
	}
	return nil
}
