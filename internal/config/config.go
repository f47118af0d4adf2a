// Package config loads the approvals service configuration from a YAML file
// and APPROVALS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// EnvPrefix prefixes every environment override, e.g. APPROVALS_SERVER_HTTP_PORT
// for server.http_port.
const EnvPrefix = "APPROVALS"

// Config holds the configuration for the service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Lark      LarkConfig      `mapstructure:"lark"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Objects   []ObjectConfig  `mapstructure:"objects"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

// StoreConfig selects the persistence backend: memory or postgres.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// NotifierConfig selects the notification transport: log, nats or lark.
type NotifierConfig struct {
	Driver string `mapstructure:"driver"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LarkConfig struct {
	AppID         string `mapstructure:"app_id"`
	AppSecret     string `mapstructure:"app_secret"`
	ReceiveIDType string `mapstructure:"receive_id_type"`
}

// RedisConfig enables the cross-replica timeout sweep lock.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	Key      string `mapstructure:"key"`
}

type EngineConfig struct {
	Location           string        `mapstructure:"location"`
	ActionURLBase      string        `mapstructure:"action_url_base"`
	DispatchInline     bool          `mapstructure:"dispatch_inline"`
	CallbackOnWithdraw bool          `mapstructure:"callback_on_withdraw"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	Outbox             OutboxConfig  `mapstructure:"outbox"`
}

type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	Interval        time.Duration `mapstructure:"interval"`
	Lease           time.Duration `mapstructure:"lease"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// DirectoryConfig selects the organisation directory: static (YAML file) or
// postgres.
type DirectoryConfig struct {
	Driver string `mapstructure:"driver"`
	File   string `mapstructure:"file"`
}

// ObjectConfig registers a business-object handler for a content type. The
// table driver reads a row of the configured table, the grpc driver calls a
// remote approvals.v1.ObjectService.
type ObjectConfig struct {
	Driver                       string `mapstructure:"driver"`
	Address                      string `mapstructure:"address"`
	repository.TableObjectConfig `mapstructure:",squash"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers the default of every key. Keys must be known to viper
// for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-plt-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_time", "1h")
	v.SetDefault("database.max_idle_time", "30m")
	v.SetDefault("database.health_check", "1m")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.auto_migrate", false)

	v.SetDefault("notifier.driver", "log")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "")
	v.SetDefault("nats.subject_prefix", "notifications.approvals")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("lark.app_id", "")
	v.SetDefault("lark.app_secret", "")
	v.SetDefault("lark.receive_id_type", "user_id")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.key", "approvals:timeout-sweep")

	v.SetDefault("engine.location", "UTC")
	v.SetDefault("engine.action_url_base", "")
	v.SetDefault("engine.dispatch_inline", true)
	v.SetDefault("engine.callback_on_withdraw", false)
	v.SetDefault("engine.sweep_interval", "1m")
	v.SetDefault("engine.outbox.batch_size", 100)
	v.SetDefault("engine.outbox.interval", "5s")
	v.SetDefault("engine.outbox.lease", "1m")
	v.SetDefault("engine.outbox.max_attempts", 8)
	v.SetDefault("engine.outbox.base_backoff", "10s")
	v.SetDefault("engine.outbox.max_backoff", "1h")
	v.SetDefault("engine.outbox.breaker_failures", 5)
	v.SetDefault("engine.outbox.breaker_timeout", "30s")

	v.SetDefault("directory.driver", "static")
	v.SetDefault("directory.file", "")

	v.SetDefault("log.level", "info")
}

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 {
		return errors.InvalidInput("server.http_port", "must be positive")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return errors.InvalidInput("store.driver", "must be memory or postgres")
	}
	switch c.Notifier.Driver {
	case "log":
	case "nats":
		if c.NATS.URL == "" {
			return errors.InvalidInput("nats.url", "is required for the nats notifier")
		}
	case "lark":
		if c.Lark.AppID == "" || c.Lark.AppSecret == "" {
			return errors.InvalidInput("lark.app_id", "app_id and app_secret are required for the lark notifier")
		}
	default:
		return errors.InvalidInput("notifier.driver", "must be log, nats or lark")
	}
	switch c.Directory.Driver {
	case "static":
	case "postgres":
		if c.Store.Driver != "postgres" {
			return errors.InvalidInput("directory.driver", "postgres directory needs the postgres store")
		}
	default:
		return errors.InvalidInput("directory.driver", "must be static or postgres")
	}
	if _, err := time.LoadLocation(c.Engine.Location); err != nil {
		return errors.InvalidInput("engine.location", err.Error())
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.InvalidInput("redis.address", "is required when redis is enabled")
	}

	seen := map[string]bool{}
	for i, o := range c.Objects {
		field := fmt.Sprintf("objects[%d]", i)
		if o.ContentType == "" {
			return errors.InvalidInput(field+".content_type", "is required")
		}
		if seen[o.ContentType] {
			return errors.InvalidInput(field+".content_type", "duplicate "+o.ContentType)
		}
		seen[o.ContentType] = true
		switch o.Driver {
		case "", "table":
			if c.Store.Driver != "postgres" {
				return errors.InvalidInput(field+".driver", "table objects need the postgres store")
			}
		case "grpc":
			if o.Address == "" {
				return errors.InvalidInput(field+".address", "is required for grpc objects")
			}
		default:
			return errors.InvalidInput(field+".driver", "must be table or grpc")
		}
	}
	return nil
}

// PoolConfig converts to the database pool settings.
func (c *Config) PoolConfig() database.Config {
	d := c.Database
	return database.Config{
		Host:        d.Host,
		Port:        d.Port,
		User:        d.User,
		Password:    d.Password,
		Database:    d.Database,
		SSLMode:     d.SSLMode,
		MaxConns:    d.MaxConns,
		MinConns:    d.MinConns,
		MaxConnTime: d.MaxConnTime,
		MaxIdleTime: d.MaxIdleTime,
		HealthCheck: d.HealthCheck,
	}
}

// EngineOptions converts to the engine settings. Validate has already checked
// the location.
func (c *Config) EngineOptions() service.EngineConfig {
	loc, err := time.LoadLocation(c.Engine.Location)
	if err != nil {
		loc = time.UTC
	}
	o := c.Engine.Outbox
	return service.EngineConfig{
		Location:           loc,
		ActionURLBase:      c.Engine.ActionURLBase,
		DispatchInline:     c.Engine.DispatchInline,
		CallbackOnWithdraw: c.Engine.CallbackOnWithdraw,
		Outbox: service.DispatcherConfig{
			BatchSize:       o.BatchSize,
			Interval:        o.Interval,
			Lease:           o.Lease,
			MaxAttempts:     o.MaxAttempts,
			BaseBackoff:     o.BaseBackoff,
			MaxBackoff:      o.MaxBackoff,
			BreakerFailures: o.BreakerFailures,
			BreakerTimeout:  o.BreakerTimeout,
		},
	}
}
