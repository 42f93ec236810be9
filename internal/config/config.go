// Package config loads the server's TOML configuration: listen address,
// purge policy, SMTP transport, store connection and locales. Read once at
// startup and treated as read-only thereafter.
package config

import (
	"github.com/BurntSushi/toml"

	"github.com/hockeypuck/keyserver/internal/model"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	PublicKey PublicKeyConfig `toml:"publicKey"`
	Email     EmailConfig     `toml:"email"`
	Store     StoreConfig     `toml:"store"`
	Mongo     MongoConfig     `toml:"mongo"`
	I18n      I18nConfig      `toml:"i18n"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	CSP  bool   `toml:"csp"`
}

type PublicKeyConfig struct {
	PurgeTimeInDays int `toml:"purgeTimeInDays"`
}

type EmailConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Auth   bool   `toml:"auth"`
	User   string `toml:"user"`
	Pass   string `toml:"pass"`
	Sender string `toml:"sender"`
	TLS    bool   `toml:"tls"`
}

// StoreConfig selects between the two Store backends: mongo (default) or
// postgres.
type StoreConfig struct {
	Driver      string `toml:"driver"` // "mongo" (default) or "postgres"
	PostgresDSN string `toml:"postgresDSN"`
	// KeyIndexPath, if set, makes the local key-id prefix index
	// (internal/store/keyindex) durable across restarts instead of
	// in-memory only.
	KeyIndexPath string `toml:"keyIndexPath"`
}

type MongoConfig struct {
	URI  string `toml:"uri"`
	User string `toml:"user"`
	Pass string `toml:"pass"`
	DB   string `toml:"db"`
}

type I18nConfig struct {
	Locales []string `toml:"locales"`
}

// Load parses a TOML file at path and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, model.InternalError(err, "loading config from %s", path)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 11371 // HKP's registered port
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "mongo"
	}
	if len(cfg.I18n.Locales) == 0 {
		cfg.I18n.Locales = []string{"en", "de"}
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case "mongo":
		if cfg.Mongo.URI == "" {
			return model.New(model.Internal, "store.driver=mongo requires mongo.uri")
		}
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return model.New(model.Internal, "store.driver=postgres requires store.postgresDSN")
		}
	default:
		return model.New(model.Internal, "unknown store.driver %q", cfg.Store.Driver)
	}
	if cfg.Email.Sender == "" {
		return model.New(model.Internal, "email.sender is required")
	}
	return nil
}
