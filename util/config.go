package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const Name = "fedicore"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type DeliveryConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batchSize"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	Workers      int           `yaml:"workers"`
	PerHostRate  float64       `yaml:"perHostRate"`
	PerHostBurst int           `yaml:"perHostBurst"`
	Timeout      time.Duration `yaml:"timeout"`
}

type AppConfig struct {
	Conf struct {
		Host                 string
		HttpPort             int            `yaml:"httpPort"`
		SslDomain            string         `yaml:"sslDomain"`
		WithAp               bool           `yaml:"withAp"`
		DatabasePath         string         `yaml:"databasePath"`
		Debug                bool           `yaml:"debug"`
		ActorCacheTTL        time.Duration  `yaml:"actorCacheTTL"`
		RedisAddr            string         `yaml:"redisAddr"`
		AmqpURL              string         `yaml:"amqpURL"`
		AmqpExchange         string         `yaml:"amqpExchange"`
		StoryCleanupInterval time.Duration  `yaml:"storyCleanupInterval"`
		Delivery             DeliveryConfig `yaml:"delivery"`
	}
}

// ReadConf loads config.yaml (working directory first, then the user config
// directory), falling back to the embedded defaults, and applies FEDICORE_*
// environment overrides.
func ReadConf(log *zap.SugaredLogger) (*AppConfig, error) {
	c := &AppConfig{}

	// defaults first so a partial config file keeps sane values
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath := ResolveFilePath(ConfigFileName)
	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Infof("Config: file not found at %s, using embedded defaults", configPath)
		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warnf("Config: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Infof("Config: created default config file at %s", userConfigPath)
			}
		}
	} else if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	strs := map[string]*string{
		"FEDICORE_HOST":          &c.Conf.Host,
		"FEDICORE_SSLDOMAIN":     &c.Conf.SslDomain,
		"FEDICORE_DATABASE_PATH": &c.Conf.DatabasePath,
		"FEDICORE_REDIS_ADDR":    &c.Conf.RedisAddr,
		"FEDICORE_AMQP_URL":      &c.Conf.AmqpURL,
		"FEDICORE_AMQP_EXCHANGE": &c.Conf.AmqpExchange,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"FEDICORE_HTTPPORT":              &c.Conf.HttpPort,
		"FEDICORE_DELIVERY_BATCH_SIZE":   &c.Conf.Delivery.BatchSize,
		"FEDICORE_DELIVERY_MAX_ATTEMPTS": &c.Conf.Delivery.MaxAttempts,
		"FEDICORE_DELIVERY_WORKERS":      &c.Conf.Delivery.Workers,
	}
	for env, dst := range ints {
		if v := os.Getenv(env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"FEDICORE_ACTOR_CACHE_TTL":      &c.Conf.ActorCacheTTL,
		"FEDICORE_DELIVERY_INTERVAL":    &c.Conf.Delivery.Interval,
		"FEDICORE_DELIVERY_TIMEOUT":     &c.Conf.Delivery.Timeout,
		"FEDICORE_STORY_CLEANUP_PERIOD": &c.Conf.StoryCleanupInterval,
	}
	for env, dst := range durations {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("FEDICORE_WITH_AP"); v != "" {
		c.Conf.WithAp = v == "true"
	}
	if v := os.Getenv("FEDICORE_DEBUG"); v != "" {
		c.Conf.Debug = v == "true"
	}
	return nil
}
