package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token and code lifetimes.
const (
	DefaultAccessTTL     = time.Hour
	DefaultCodeTTL       = 10 * time.Minute
	DefaultLookupTimeout = 2 * time.Second
	DefaultKeyID         = "default-key"
	DefaultScope         = "openid profile email"
)

// Demo defaults used when no configuration file is supplied in dev mode.
const (
	DemoClientID       = "oidc-demo"
	DemoClientSecret   = "demosecret"
	DemoRedirectURI    = "http://localhost:8081/callback"
	DemoLogoutRedirect = "http://localhost:3001"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Keys          KeyConfig      `yaml:"keys"`
	Tokens        TokenConfig    `yaml:"tokens"`
	Store         StoreConfig    `yaml:"store"`
	OAuth2Clients []ClientConfig `yaml:"oauth2_clients"`
	Users         UsersConfig    `yaml:"users"`
	Metrics       MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL              string     `yaml:"public_url"`
	DevListenAddr          string     `yaml:"dev_listen_addr"`
	HTTPListenAddr         string     `yaml:"http_listen_addr"`
	HTTPSListenAddr        string     `yaml:"https_listen_addr"`
	DevMode                bool       `yaml:"dev_mode"`
	SecretsPath            string     `yaml:"secrets_path"`
	TLS                    TLSConfig  `yaml:"tls"`
	CORS                   CORSConfig `yaml:"cors"`
	LogoutRedirect         string     `yaml:"logout_redirect"`
	PostLogoutRedirectURIs []string   `yaml:"post_logout_redirect_uris"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists origins allowed to call the JSON endpoints from a browser.
// When AllowedOrigins is empty the origins of registered redirect URIs are used.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// KeyConfig controls the signing key.
type KeyConfig struct {
	KeyID string `yaml:"key_id"`
	// JWKSPath, when set, keeps the private key across restarts.
	JWKSPath string `yaml:"jwks_path"`
}

// TokenConfig holds token lifetimes.
type TokenConfig struct {
	AccessTTL       time.Duration `yaml:"access_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	CheckRevocation bool          `yaml:"check_revocation"`
}

// StoreConfig selects the ephemeral store backend.
type StoreConfig struct {
	Backend          string        `yaml:"backend"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	Redis            RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis backend settings.
type RedisConfig struct {
	URL            string        `yaml:"url"`
	KeyPrefix      string        `yaml:"key_prefix"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// Store backends.
const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
)

// ClientConfig describes an OAuth client.
type ClientConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	GrantTypes    []string `yaml:"grant_types"`
	ResponseTypes []string `yaml:"response_types"`
	Scopes        []string `yaml:"scopes"`
}

// UsersConfig holds the static user directory.
type UsersConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	Static        []UserConfig  `yaml:"static"`
}

// UserConfig describes a resource owner. Password is a plaintext dev-only
// alternative to PasswordHash and is hashed at startup.
type UserConfig struct {
	ID                string `yaml:"id"`
	Username          string `yaml:"username"`
	PasswordHash      string `yaml:"password_hash,omitempty"`
	Password          string `yaml:"password,omitempty"`
	Name              string `yaml:"name"`
	Email             string `yaml:"email"`
	PreferredUsername string `yaml:"preferred_username"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:9090",
			DevListenAddr:   "0.0.0.0:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			LogoutRedirect: DemoLogoutRedirect,
		},
		Keys: KeyConfig{KeyID: DefaultKeyID},
		Tokens: TokenConfig{
			AccessTTL:       DefaultAccessTTL,
			CodeTTL:         DefaultCodeTTL,
			CheckRevocation: true,
		},
		Store: StoreConfig{
			Backend:          StoreBackendMemory,
			OperationTimeout: 3 * time.Second,
			CleanupInterval:  time.Minute,
			Redis: RedisConfig{
				URL:            "redis://localhost:6379/0",
				KeyPrefix:      "oidc:",
				ConnectRetries: 5,
				ConnectBackoff: 5 * time.Second,
			},
		},
		OAuth2Clients: []ClientConfig{{
			ClientID:      DemoClientID,
			ClientSecret:  DemoClientSecret,
			RedirectURIs:  []string{DemoRedirectURI},
			GrantTypes:    []string{"authorization_code"},
			ResponseTypes: []string{"code"},
			Scopes:        []string{"openid", "profile", "email"},
		}},
		Users: UsersConfig{
			LookupTimeout: DefaultLookupTimeout,
			Static: []UserConfig{{
				ID:                "1",
				Username:          "user1",
				Password:          "password1",
				Name:              "Administrator",
				Email:             "admin@demo.com",
				PreferredUsername: "user1",
			}},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Issuer returns the public URL without a trailing slash.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

func (c *Config) applyDefaults() {
	if c.Keys.KeyID == "" {
		c.Keys.KeyID = DefaultKeyID
	}
	if c.Tokens.AccessTTL == 0 {
		c.Tokens.AccessTTL = DefaultAccessTTL
	}
	if c.Tokens.CodeTTL == 0 {
		c.Tokens.CodeTTL = DefaultCodeTTL
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendMemory
	}
	if c.Users.LookupTimeout == 0 {
		c.Users.LookupTimeout = DefaultLookupTimeout
	}
	if c.Server.LogoutRedirect == "" {
		c.Server.LogoutRedirect = DemoLogoutRedirect
	}
	if len(c.Server.CORS.AllowedMethods) == 0 {
		c.Server.CORS.AllowedMethods = slices.Clone(DefaultCORSAllowedMethods)
	}
	if len(c.Server.CORS.AllowedHeaders) == 0 {
		c.Server.CORS.AllowedHeaders = slices.Clone(DefaultCORSAllowedHeaders)
	}
	if len(c.Server.CORS.AllowedOrigins) == 0 {
		c.Server.CORS.AllowedOrigins = c.InferCORSOrigins()
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	for i := range c.OAuth2Clients {
		if len(c.OAuth2Clients[i].GrantTypes) == 0 {
			c.OAuth2Clients[i].GrantTypes = []string{"authorization_code"}
		}
		if len(c.OAuth2Clients[i].ResponseTypes) == 0 {
			c.OAuth2Clients[i].ResponseTypes = []string{"code"}
		}
	}
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCP_SERVER_LOGOUT_REDIRECT":   func(v string) { cfg.Server.LogoutRedirect = v },
		"OIDCP_KEYS_JWKS_PATH":           func(v string) { cfg.Keys.JWKSPath = v },
		"OIDCP_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"OIDCP_TOKENS_CODE_TTL":          func(v string) { cfg.Tokens.CodeTTL = parseDuration(v, cfg.Tokens.CodeTTL) },
		"OIDCP_STORE_BACKEND":            func(v string) { cfg.Store.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"OIDCP_STORE_REDIS_URL":          func(v string) { cfg.Store.Redis.URL = v },
		"OIDCP_STORE_REDIS_KEY_PREFIX":   func(v string) { cfg.Store.Redis.KeyPrefix = v },
		"OIDCP_METRICS_ENABLED":          func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	applyLegacyEnv(cfg)
}

// applyLegacyEnv honours the plain variable names used by container
// deployments of the demo provider.
func applyLegacyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("ISSUER"); ok && v != "" {
		cfg.Server.PublicURL = v
	}
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		cfg.Server.DevListenAddr = "0.0.0.0:" + v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok && v != "" {
		cfg.Store.Redis.URL = v
		cfg.Store.Backend = StoreBackendRedis
	}

	clientID, hasID := os.LookupEnv("OIDC_CLIENT_ID")
	secret, hasSecret := os.LookupEnv("OIDC_CLIENT_SECRET")
	redirect, hasRedirect := os.LookupEnv("OIDC_REDIRECT_URI")
	if !hasID && !hasSecret && !hasRedirect {
		return
	}
	if len(cfg.OAuth2Clients) == 0 {
		cfg.OAuth2Clients = append(cfg.OAuth2Clients, ClientConfig{})
	}
	first := &cfg.OAuth2Clients[0]
	if hasID {
		first.ClientID = clientID
	}
	if hasSecret {
		first.ClientSecret = secret
	}
	if hasRedirect {
		first.RedirectURIs = []string{redirect}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.LogoutRedirect != "" && !isSafeRedirectURI(c.Server.LogoutRedirect) {
		slog.Error("Invalid logout redirect", "field", "server.logout_redirect", "value", c.Server.LogoutRedirect)
		return fmt.Errorf("server.logout_redirect must be an absolute http(s) URL, got: %s", c.Server.LogoutRedirect)
	}
	for i, uri := range c.Server.PostLogoutRedirectURIs {
		if !isSafeRedirectURI(uri) {
			slog.Error("Invalid post logout redirect URI", "index", i, "value", uri)
			return fmt.Errorf("server.post_logout_redirect_uris[%d] must be an absolute http(s) URL, got: %s", i, uri)
		}
	}

	if c.Tokens.AccessTTL <= 0 {
		slog.Error("Invalid token lifetime", "field", "tokens.access_ttl", "value", c.Tokens.AccessTTL.String())
		return errors.New("tokens.access_ttl must be positive")
	}
	if c.Tokens.CodeTTL <= 0 {
		slog.Error("Invalid code lifetime", "field", "tokens.code_ttl", "value", c.Tokens.CodeTTL.String())
		return errors.New("tokens.code_ttl must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if c.Store.Redis.URL == "" {
			slog.Error("Missing required configuration", "field", "store.redis.url")
			return errors.New("store.redis.url is required when store.backend is redis")
		}
		if _, err := url.Parse(c.Store.Redis.URL); err != nil || !strings.HasPrefix(c.Store.Redis.URL, "redis") {
			slog.Error("Invalid redis URL", "field", "store.redis.url", "value", c.Store.Redis.URL)
			return fmt.Errorf("store.redis.url must be a redis:// or rediss:// URL, got: %s", c.Store.Redis.URL)
		}
	default:
		slog.Error("Unknown store backend", "field", "store.backend", "value", c.Store.Backend, "valid_values", []string{StoreBackendMemory, StoreBackendRedis})
		return fmt.Errorf("store.backend must be %q or %q, got: %s", StoreBackendMemory, StoreBackendRedis, c.Store.Backend)
	}

	if len(c.OAuth2Clients) == 0 {
		slog.Error("No OAuth2 clients configured")
		return errors.New("at least one OAuth2 client must be configured")
	}

	seenClients := make(map[string]bool, len(c.OAuth2Clients))
	for i, client := range c.OAuth2Clients {
		if client.ClientID == "" {
			slog.Error("OAuth2 client missing client_id", "index", i)
			return fmt.Errorf("oauth2_clients[%d]: client_id is required", i)
		}
		if seenClients[client.ClientID] {
			slog.Error("Duplicate OAuth2 client", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("oauth2_clients[%d]: duplicate client_id %q", i, client.ClientID)
		}
		seenClients[client.ClientID] = true
		if client.ClientSecret == "" {
			slog.Error("OAuth2 client missing client_secret", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("oauth2_clients[%d] (%s): client_secret is required", i, client.ClientID)
		}
		if len(client.RedirectURIs) == 0 {
			slog.Error("OAuth2 client missing redirect URIs", "client_id", client.ClientID, "index", i)
			return fmt.Errorf("oauth2_clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j, "reason", "must be a valid HTTP(S) URL")
				return fmt.Errorf("oauth2_clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	if len(c.Users.Static) == 0 {
		slog.Error("No users configured", "field", "users.static")
		return errors.New("at least one user must be configured")
	}
	seenIDs := make(map[string]bool, len(c.Users.Static))
	seenNames := make(map[string]bool, len(c.Users.Static))
	for i, u := range c.Users.Static {
		if u.ID == "" || u.Username == "" {
			slog.Error("User missing id or username", "index", i)
			return fmt.Errorf("users.static[%d]: id and username are required", i)
		}
		if seenIDs[u.ID] || seenNames[u.Username] {
			slog.Error("Duplicate user", "index", i, "id", u.ID, "username", u.Username)
			return fmt.Errorf("users.static[%d]: duplicate id or username", i)
		}
		seenIDs[u.ID] = true
		seenNames[u.Username] = true
		if u.PasswordHash == "" && u.Password == "" {
			slog.Error("User missing credentials", "index", i, "username", u.Username)
			return fmt.Errorf("users.static[%d] (%s): password_hash or password is required", i, u.Username)
		}
		if u.Password != "" && !c.Server.DevMode {
			slog.Error("Plaintext password outside dev mode", "index", i, "username", u.Username)
			return fmt.Errorf("users.static[%d] (%s): plaintext password is only allowed in dev mode", i, u.Username)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		slog.Error("Invalid metrics path", "field", "metrics.path", "value", c.Metrics.Path)
		return fmt.Errorf("metrics.path must start with /, got: %s", c.Metrics.Path)
	}

	return nil
}

// InferCORSOrigins extracts allowed origins from OAuth2 client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}

	for _, client := range c.OAuth2Clients {
		for _, redirectURI := range client.RedirectURIs {
			if origin := extractOrigin(redirectURI); origin != "" && !seen[origin] {
				seen[origin] = true
				origins = append(origins, origin)
			}
		}
	}

	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
