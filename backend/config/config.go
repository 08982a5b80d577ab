// Package config 读取中继服务端配置：.env → yaml 文件 → ROOMSYNC_ 环境变量 → 命令行参数，后者覆盖前者
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port           int      `mapstructure:"port"`
		LogLevel       string   `mapstructure:"log_level"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"running"`
	Engine struct {
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		PresenceTimeout   time.Duration `mapstructure:"presence_timeout"`
		MaxQueueAge       time.Duration `mapstructure:"max_queue_age"`
		HistoryLimit      int           `mapstructure:"history_limit"`
		BackoffBase       time.Duration `mapstructure:"backoff_base"`
		BackoffMax        time.Duration `mapstructure:"backoff_max"`
		BackoffJitter     float64       `mapstructure:"backoff_jitter"`
	} `mapstructure:"engine"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Pebble struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"pebble"`
	Store struct {
		// memory | mysql | pebble
		Driver  string `mapstructure:"driver"`
		Workers int    `mapstructure:"workers"`
		Queue   int    `mapstructure:"queue"`
	} `mapstructure:"store"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string        `mapstructure:"jwt_secret"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"auth"`
	Relay struct {
		RateLimit  float64 `mapstructure:"rate_limit"`
		Burst      int     `mapstructure:"burst"`
		SendBuffer int     `mapstructure:"send_buffer"`
	} `mapstructure:"relay"`
}

const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverPebble = "pebble"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8090)
	v.SetDefault("running.log_level", "info")
	v.SetDefault("running.allowed_origins", []string{})

	v.SetDefault("engine.heartbeat_interval", 10*time.Second)
	v.SetDefault("engine.sweep_interval", 10*time.Second)
	v.SetDefault("engine.presence_timeout", 30*time.Second)
	v.SetDefault("engine.max_queue_age", 10*time.Second)
	v.SetDefault("engine.history_limit", 50)
	v.SetDefault("engine.backoff_base", 500*time.Millisecond)
	v.SetDefault("engine.backoff_max", 30*time.Second)
	v.SetDefault("engine.backoff_jitter", 0.5)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("pebble.path", "./data/roomsync")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.workers", 4)
	v.SetDefault("store.queue", 1024)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "roomsync.events")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_ttl", 24*time.Hour)

	v.SetDefault("relay.rate_limit", 50.0)
	v.SetDefault("relay.burst", 100)
	v.SetDefault("relay.send_buffer", 256)
}

// Flags 注册中继服务端的命令行参数
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to roomsync.yaml")
	fs.Int("port", 0, "listen port")
	fs.String("log-level", "", "debug|info|warn|error")
	fs.String("store", "", "persistence driver: memory|mysql|pebble")
}

// flag 名 → 配置 key
var flagKeys = map[string]string{
	"port":      "running.port",
	"log-level": "running.log_level",
	"store":     "store.driver",
}

// Load 解析 args 并合并所有配置来源。配置文件不存在不算错
func Load(args []string) (*Config, error) {
	_ = godotenv.Load(".env")

	fs := pflag.NewFlagSet("relay_server", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("roomsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// 只绑定用户显式给出的参数，避免零值盖掉文件里的配置
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverPebble:
	case DriverMySQL:
		if c.Mysql.DSN == "" {
			return errors.New("config: store.driver=mysql requires mysql.dsn")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("config: bad port %d", c.Running.Port)
	}
	return nil
}

// ValidateServer 中继服务端额外要求：必须配置签名密钥
func (c *Config) ValidateServer() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required (or ROOMSYNC_AUTH_JWT_SECRET)")
	}
	return nil
}
