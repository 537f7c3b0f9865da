// Package config loads environment-based configuration for the client
// daemon and the sync server.
package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/reader-sync/internal/server"
)

// ClientConfig holds all environment-based configuration for the
// reader-sync client daemon.
type ClientConfig struct {
	// Sync server base URL, e.g. "https://sync.example.com".
	ServerURL string `env:"SERVER_URL"`

	// Account credentials used to obtain a token when none is cached.
	Username string `env:"SYNC_USERNAME"`
	Password string `env:"SYNC_PASSWORD"`

	// Address the local reader API listens on. Loopback only: the
	// reading app on this machine is the sole client.
	LocalAPIAddr string `env:"LOCAL_API_ADDR" envDefault:"127.0.0.1:8091"`

	// Device name this client identifies as in logs. Defaults to the
	// system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// ServerConfig holds all environment-based configuration for the
// reader-sync server.
type ServerConfig struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Postgres connection string. When empty the server runs on an
	// in-memory store, which is only acceptable outside production.
	DatabaseURL string `env:"DATABASE_URL"`

	// Secret for signing session tokens.
	JWTSecret string `env:"JWT_SECRET"`

	// Session token lifetime.
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"720h"`

	// Static user table. Format: "user1:bcrypt-hash1,user2:bcrypt-hash2".
	// Hashes come from `reader-sync-server hash-password`.
	AuthUsers string `env:"AUTH_USERS"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

const jwtSecretMinLen = 32

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadClient reads client daemon configuration from environment
// variables. It first attempts to load a .env file if present.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "reader-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if c.Username == "" {
		return fmt.Errorf("SYNC_USERNAME is required")
	}

	if c.Password == "" {
		return fmt.Errorf("SYNC_PASSWORD is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ClientConfig) IsProduction() bool {
	return c.Environment == "production"
}

// LoadServer reads server configuration from environment variables. It
// first attempts to load a .env file if present.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < jwtSecretMinLen {
		return fmt.Errorf("JWT_SECRET too short (minimum %d characters)", jwtSecretMinLen)
	}

	if c.AuthUsers == "" {
		return fmt.Errorf("AUTH_USERS is required")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ParseAuthUsers parses the AUTH_USERS string into a UserCredentials map.
// Format: "user1:bcrypt-hash1,user2:bcrypt-hash2"
func (c *ServerConfig) ParseAuthUsers() (server.UserCredentials, error) {
	users := make(server.UserCredentials)

	for _, pair := range strings.Split(c.AuthUsers, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		username := pair[:idx]

		hash := pair[idx+1:]
		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry %d", len(users)+1)
		}

		// bcrypt hashes start with a $2 version marker. Catching a
		// plain-text password here beats a table where nobody can log in.
		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("entry for %q does not look like a bcrypt hash (run hash-password)", username)
		}

		if _, dup := users[username]; dup {
			return nil, fmt.Errorf("duplicate username %q in AUTH_USERS", username)
		}

		users[username] = hash
	}

	if len(users) == 0 {
		return nil, fmt.Errorf("AUTH_USERS contains no entries")
	}

	return users, nil
}
