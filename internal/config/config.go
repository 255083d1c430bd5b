// Package config loads server settings from defaults, an optional .env file,
// an optional TOML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port               int
	MainDB             string
	LocalDB            string
	DatabaseName       string
	AssetDir           string
	Concurrency        int
	FetchTimeout       time.Duration
	History            int
	LogLevel           string
	LogFormat          string
	CORSOrigins        []string
	DiagnosticAssetURL string
	DevOperator        string
	OIDC               OIDC
}

type OIDC struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	SessionKey   string
	CookieSecure bool
}

// Enabled reports whether operator login is configured.
func (o OIDC) Enabled() bool {
	return o.IssuerURL != ""
}

func Default() Config {
	return Config{
		Port:         4001,
		DatabaseName: "test",
		AssetDir:     "books",
		Concurrency:  4,
		FetchTimeout: 5 * time.Minute,
		History:      50,
		LogLevel:     "info",
		LogFormat:    "console",
		CORSOrigins:  []string{"*"},
		DevOperator:  "dev-operator",
	}
}

type fileConfig struct {
	Port               int      `toml:"port"`
	MainDB             string   `toml:"main_db"`
	LocalDB            string   `toml:"local_db"`
	DatabaseName       string   `toml:"db_name"`
	AssetDir           string   `toml:"asset_dir"`
	Concurrency        int      `toml:"concurrency"`
	FetchTimeout       string   `toml:"fetch_timeout"`
	History            int      `toml:"history"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
	CORSOrigins        []string `toml:"cors_origins"`
	DiagnosticAssetURL string   `toml:"diagnostic_asset_url"`
	DevOperator        string   `toml:"dev_operator"`
	OIDC               struct {
		IssuerURL    string `toml:"issuer_url"`
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		RedirectURL  string `toml:"redirect_url"`
		CookieSecure bool   `toml:"cookie_secure"`
	} `toml:"oidc"`
}

// Load builds the configuration. envFile and path may be empty; a missing
// envFile is ignored, a missing path is an error.
func Load(envFile string, path string) (Config, error) {
	cfg := Default()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := overlayEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("main_db") {
		cfg.MainDB = strings.TrimSpace(raw.MainDB)
	}
	if meta.IsDefined("local_db") {
		cfg.LocalDB = strings.TrimSpace(raw.LocalDB)
	}
	if meta.IsDefined("db_name") {
		cfg.DatabaseName = strings.TrimSpace(raw.DatabaseName)
	}
	if meta.IsDefined("asset_dir") {
		cfg.AssetDir = strings.TrimSpace(raw.AssetDir)
	}
	if meta.IsDefined("concurrency") {
		cfg.Concurrency = raw.Concurrency
	}
	if meta.IsDefined("fetch_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.FetchTimeout))
		if err != nil {
			return fmt.Errorf("parse fetch_timeout: %w", err)
		}
		cfg.FetchTimeout = d
	}
	if meta.IsDefined("history") {
		cfg.History = raw.History
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("diagnostic_asset_url") {
		cfg.DiagnosticAssetURL = strings.TrimSpace(raw.DiagnosticAssetURL)
	}
	if meta.IsDefined("dev_operator") {
		cfg.DevOperator = strings.TrimSpace(raw.DevOperator)
	}
	if meta.IsDefined("oidc", "issuer_url") {
		cfg.OIDC.IssuerURL = strings.TrimSpace(raw.OIDC.IssuerURL)
	}
	if meta.IsDefined("oidc", "client_id") {
		cfg.OIDC.ClientID = strings.TrimSpace(raw.OIDC.ClientID)
	}
	if meta.IsDefined("oidc", "client_secret") {
		cfg.OIDC.ClientSecret = raw.OIDC.ClientSecret
	}
	if meta.IsDefined("oidc", "redirect_url") {
		cfg.OIDC.RedirectURL = strings.TrimSpace(raw.OIDC.RedirectURL)
	}
	if meta.IsDefined("oidc", "cookie_secure") {
		cfg.OIDC.CookieSecure = raw.OIDC.CookieSecure
	}
	return nil
}

func overlayEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		value, ok := lookup(key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(value), true
	}
	integer := func(key string, target *int) error {
		value, ok := get(key)
		if !ok || value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target = n
		return nil
	}

	if err := integer("PORT", &cfg.Port); err != nil {
		return err
	}
	if err := integer("SYNC_CONCURRENCY", &cfg.Concurrency); err != nil {
		return err
	}
	if err := integer("SYNC_HISTORY", &cfg.History); err != nil {
		return err
	}
	strs := []struct {
		key    string
		target *string
	}{
		{"MAIN_DB", &cfg.MainDB},
		{"LOCAL_DB", &cfg.LocalDB},
		{"SYNC_DB_NAME", &cfg.DatabaseName},
		{"ASSET_DIR", &cfg.AssetDir},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"LOG_FORMAT", &cfg.LogFormat},
		{"DIAGNOSTIC_ASSET_URL", &cfg.DiagnosticAssetURL},
		{"DEV_OPERATOR", &cfg.DevOperator},
		{"OIDC_ISSUER_URL", &cfg.OIDC.IssuerURL},
		{"OIDC_CLIENT_ID", &cfg.OIDC.ClientID},
		{"OIDC_CLIENT_SECRET", &cfg.OIDC.ClientSecret},
		{"OIDC_REDIRECT_URL", &cfg.OIDC.RedirectURL},
		{"SESSION_KEY", &cfg.OIDC.SessionKey},
	}
	for _, s := range strs {
		if value, ok := get(s.key); ok {
			*s.target = value
		}
	}
	if value, ok := get("FETCH_TIMEOUT"); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("FETCH_TIMEOUT: %w", err)
		}
		cfg.FetchTimeout = d
	}
	if value, ok := get("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = normalizeList(strings.Split(value, ","))
	}
	if value, ok := get("COOKIE_SECURE"); ok && value != "" {
		secure, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("COOKIE_SECURE: %w", err)
		}
		cfg.OIDC.CookieSecure = secure
	}
	return nil
}

// Validate reports the first invalid setting by its key.
func (c Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("PORT: %d out of range", c.Port)
	case c.MainDB == "":
		return errors.New("MAIN_DB is required")
	case c.LocalDB == "":
		return errors.New("LOCAL_DB is required")
	case c.AssetDir == "":
		return errors.New("ASSET_DIR is required")
	case c.Concurrency < 1:
		return fmt.Errorf("SYNC_CONCURRENCY: must be at least 1, got %d", c.Concurrency)
	case c.FetchTimeout <= 0:
		return fmt.Errorf("FETCH_TIMEOUT: must be positive, got %s", c.FetchTimeout)
	}
	if c.OIDC.Enabled() && (c.OIDC.ClientID == "" || c.OIDC.RedirectURL == "") {
		return errors.New("OIDC_CLIENT_ID and OIDC_REDIRECT_URL are required when OIDC_ISSUER_URL is set")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
