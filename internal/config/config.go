// Package config loads client and server settings from an optional YAML file
// followed by environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatsync/internal/media"
)

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Client configures the terminal client.
type Client struct {
	APIURL         string        `yaml:"apiURL"`
	WSURL          string        `yaml:"wsURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxImageBytes  int           `yaml:"maxImageBytes"`
	Log            Log           `yaml:"log"`
}

// Server configures the reference backend.
type Server struct {
	Addr          string        `yaml:"addr"`
	DBDSN         string        `yaml:"dbDSN"`
	JWTSecret     string        `yaml:"jwtSecret"`
	RedisAddr     string        `yaml:"redisAddr"`
	TokenTTL      time.Duration `yaml:"tokenTTL"`
	SecureCookies bool          `yaml:"secureCookies"`
	AuthRateLimit float64       `yaml:"authRateLimit"` // requests per second per IP
	AuthBurst     int           `yaml:"authBurst"`
	MaxBodyBytes  int64         `yaml:"maxBodyBytes"`
	Log           Log           `yaml:"log"`
}

func DefaultClient() Client {
	return Client{
		APIURL:         "http://localhost:8080/api",
		WSURL:          "ws://localhost:8080/ws",
		RequestTimeout: 15 * time.Second,
		MaxImageBytes:  media.DefaultMaxImageBytes,
		Log:            Log{Level: "info", Format: "text"},
	}
}

func DefaultServer() Server {
	return Server{
		Addr:          ":8080",
		RedisAddr:     "localhost:6379",
		TokenTTL:      7 * 24 * time.Hour,
		AuthRateLimit: 1,
		AuthBurst:     5,
		MaxBodyBytes:  10 << 20,
		Log:           Log{Level: "info", Format: "json"},
	}
}

// LoadClient reads path (if non-empty) over the defaults, then the
// environment.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := readYAML(path, &cfg); err != nil {
		return Client{}, err
	}
	setString(&cfg.APIURL, "CHAT_API_URL")
	setString(&cfg.WSURL, "CHAT_WS_URL")
	setString(&cfg.Log.Level, "CHAT_LOG_LEVEL")
	setString(&cfg.Log.Format, "CHAT_LOG_FORMAT")
	if err := setDuration(&cfg.RequestTimeout, "CHAT_REQUEST_TIMEOUT"); err != nil {
		return Client{}, err
	}
	if err := setInt(&cfg.MaxImageBytes, "CHAT_MAX_IMAGE_BYTES"); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// LoadServer reads path (if non-empty) over the defaults, then the
// environment. The environment names match the docker setup: DB_DSN,
// JWT_SECRET, REDIS_ADDR.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := readYAML(path, &cfg); err != nil {
		return Server{}, err
	}
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.DBDSN, "DB_DSN")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	if v := strings.TrimSpace(os.Getenv("SECURE_COOKIES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Server{}, fmt.Errorf("SECURE_COOKIES: %w", err)
		}
		cfg.SecureCookies = b
	}
	if err := setDuration(&cfg.TokenTTL, "TOKEN_TTL"); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (s Server) Validate() error {
	var errs []error
	if s.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if s.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	}
	if s.TokenTTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	return errors.Join(errs...)
}

func readYAML(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
