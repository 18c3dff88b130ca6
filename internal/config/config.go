package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server configures the signaling server binary.
type Server struct {
	Addr string `env:"CALLS_ADDR" envDefault:":8080"`

	// Empty RedisAddr selects the in-memory store; fine for one node.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisUsername string `env:"REDIS_USERNAME"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RingTTL         time.Duration `env:"CALLS_RING_TTL" envDefault:"60s"`
	ActiveTTL       time.Duration `env:"CALLS_ACTIVE_TTL" envDefault:"20m"`
	DisconnectGrace time.Duration `env:"CALLS_DISCONNECT_GRACE" envDefault:"10s"`
}

// Peer configures the headless call endpoint binary.
type Peer struct {
	ServerURL      string        `env:"CALLS_SERVER_URL" envDefault:"ws://localhost:8080/ws"`
	STUNURLs       []string      `env:"CALLS_STUN_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	AcquireTimeout time.Duration `env:"CALLS_ACQUIRE_TIMEOUT" envDefault:"5s"`
}

// New parses environment variables into the given config struct type.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE (or the default .env) into the environment. A
// missing file is not an error; deployments usually inject env directly.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	var err error
	if envfile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envfile)
	}
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
