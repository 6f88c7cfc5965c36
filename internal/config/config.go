// Package config loads the TOML configuration shared by the relay server and
// the chat client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/readiness"

	"github.com/BurntSushi/toml"
)

const (
	envStorageKey = "SEALED_STORAGE_ENC_KEY"
	envRedisAddr  = "SEALED_REDIS_ADDR"
	envRedisDB    = "SEALED_REDIS_DB"
	envMongoURI   = "SEALED_MONGO_URI"
	envListenAddr = "SEALED_LISTEN_ADDR"
	envServerURL  = "SEALED_SERVER_URL"
	envLogLevel   = "SEALED_LOG_LEVEL"
)

type (
	Config struct {
		Server    Server
		Redis     Redis
		Mongo     Mongo
		Client    Client
		Readiness Readiness
		Logging   Logging
	}

	Server struct {
		ListenAddr string
		// StorageKey is the at-rest key for attachment objects, hex or base64.
		StorageKey string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	Mongo struct {
		URI      string
		Database string
	}

	Client struct {
		ServerURL string
		User      string
		Peer      string
		Thread    string
		Creator   bool
	}

	Readiness struct {
		BootstrapBudget time.Duration
		GraceWindow     time.Duration
		ErrorTTL        time.Duration
	}

	Logging struct {
		Level       string
		Development bool
		// File receives log output instead of stderr. The client needs one
		// because the terminal UI owns the screen.
		File string
	}

	// ConfigurationError is fatal at startup.
	ConfigurationError struct {
		Field string
		Err   error
	}
)

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Default returns a config that works against local Redis and Mongo.
func Default() *Config {
	return &Config{
		Server: Server{ListenAddr: "localhost:9090"},
		Redis:  Redis{Addr: "localhost:6379", Prefix: "sealed"},
		Mongo:  Mongo{URI: "mongodb://localhost:27017", Database: "sealed_chat"},
		Client: Client{ServerURL: "http://localhost:9090"},
		Readiness: Readiness{
			BootstrapBudget: readiness.DefaultBootstrapBudget,
			GraceWindow:     readiness.DefaultGraceWindow,
			ErrorTTL:        readiness.DefaultErrorTTL,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load decodes b over the defaults and applies environment overrides.
func Load(b []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	return cfg, nil
}

// LoadFile is Load on the contents of path. An empty path yields the
// defaults plus environment overrides.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envStorageKey); ok {
		cfg.Server.StorageKey = v
	}
	if v, ok := lookup(envListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(envRedisAddr); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup(envRedisDB); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigurationError{Field: envRedisDB, Err: err}
		}
		cfg.Redis.DB = db
	}
	if v, ok := lookup(envMongoURI); ok {
		cfg.Mongo.URI = v
	}
	if v, ok := lookup(envServerURL); ok {
		cfg.Client.ServerURL = v
	}
	if v, ok := lookup(envLogLevel); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func (cfg *Config) fillDefaults() {
	if cfg.Readiness.BootstrapBudget <= 0 {
		cfg.Readiness.BootstrapBudget = readiness.DefaultBootstrapBudget
	}
	if cfg.Readiness.GraceWindow <= 0 {
		cfg.Readiness.GraceWindow = readiness.DefaultGraceWindow
	}
	if cfg.Readiness.ErrorTTL <= 0 {
		cfg.Readiness.ErrorTTL = readiness.DefaultErrorTTL
	}
}

// StorageKey parses Server.StorageKey.
func (cfg *Config) StorageKey() (*envelope.Key, error) {
	key, err := envelope.ParseKey(cfg.Server.StorageKey)
	if err != nil {
		return nil, &ConfigurationError{Field: envStorageKey, Err: err}
	}
	return key, nil
}

// ValidateServer returns nil if the server can start with this config.
func (cfg *Config) ValidateServer() error {
	if cfg.Server.ListenAddr == "" {
		return &ConfigurationError{Field: "Server.ListenAddr", Err: errors.New("not set")}
	}
	if err := cfg.validateStores(); err != nil {
		return err
	}
	_, err := cfg.StorageKey()
	return err
}

// ValidateClient returns nil if a client session can start with this config.
func (cfg *Config) ValidateClient() error {
	if cfg.Client.ServerURL == "" {
		return &ConfigurationError{Field: "Client.ServerURL", Err: errors.New("not set")}
	}
	if cfg.Client.User == "" {
		return &ConfigurationError{Field: "Client.User", Err: errors.New("not set")}
	}
	if cfg.Client.Peer == "" {
		return &ConfigurationError{Field: "Client.Peer", Err: errors.New("not set")}
	}
	if cfg.Client.Peer == cfg.Client.User {
		return &ConfigurationError{Field: "Client.Peer", Err: errors.New("must differ from Client.User")}
	}
	return cfg.validateStores()
}

func (cfg *Config) validateStores() error {
	if cfg.Redis.Addr == "" {
		return &ConfigurationError{Field: "Redis.Addr", Err: errors.New("not set")}
	}
	if cfg.Mongo.URI == "" {
		return &ConfigurationError{Field: "Mongo.URI", Err: errors.New("not set")}
	}
	if cfg.Mongo.Database == "" {
		return &ConfigurationError{Field: "Mongo.Database", Err: errors.New("not set")}
	}
	return nil
}

// ThreadID is Client.Thread, or a stable id derived from the two user names
// so both sides of a direct conversation agree on it.
func (c Client) ThreadID() string {
	if c.Thread != "" {
		return c.Thread
	}
	a, b := c.User, c.Peer
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}
