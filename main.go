package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcprovider/server"
)

const defaultConfigPath = "./config.yaml"

func main() {
	configPath := flag.String("config", os.Getenv("OIDCP_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Handle config commands (init/validate)
	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigPath
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	if len(args) > 0 && (args[0] == "connect" || args[0] == "hash-password") {
		command = args[0]
		args = args[1:]
	}

	if command == "hash-password" {
		if err := runHashPassword(args, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("hash-password: %v", err)
		}
		return
	}

	configFile := *configPath
	explicit := configFile != ""
	if configFile == "" && command == "" && len(args) > 0 {
		configFile = args[0]
		explicit = true
	}
	if configFile == "" {
		configFile = defaultConfigPath
	}

	cfg, err := loadConfig(configFile, explicit, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("provider connectivity failed", "issuer", cfg.Issuer(), "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "issuer", cfg.Issuer())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      35 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "issuer", cfg.Issuer())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		// Build TLS cache path from secrets directory
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      35 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "issuer", cfg.Issuer())
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect checks that the configured issuer serves discovery and renders
// the login form for the first registered client.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if len(cfg.OAuth2Clients) == 0 {
		return errors.New("no oauth2 client configured")
	}
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	discoveryURL := cfg.Issuer() + server.PathDiscovery
	logger.Info("connect.start", "discovery_url", discoveryURL)

	var doc server.DiscoveryDocument
	if err := getJSON(ctx, client, discoveryURL, &doc); err != nil {
		return fmt.Errorf("fetch discovery: %w", err)
	}
	if doc.Issuer != cfg.Issuer() {
		return fmt.Errorf("discovery issuer %q does not match configured issuer %q", doc.Issuer, cfg.Issuer())
	}
	logger.Info("connect.discovery", "issuer", doc.Issuer, "authorization_endpoint", doc.AuthorizationEndpoint)

	first := cfg.OAuth2Clients[0]
	if len(first.RedirectURIs) == 0 {
		return fmt.Errorf("client %s has no redirect_uri", first.ClientID)
	}
	q := url.Values{
		"client_id":     {first.ClientID},
		"redirect_uri":  {first.RedirectURIs[0]},
		"response_type": {"code"},
		"scope":         {server.DefaultScope},
		"state":         {randomHex(8)},
		"nonce":         {randomHex(8)},
	}
	authURL := doc.AuthorizationEndpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authorize endpoint returned %s", resp.Status)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return fmt.Errorf("authorize endpoint did not render a login form (content type %q)", resp.Header.Get("Content-Type"))
	}

	logger.Info("connect.success", "client_id", first.ClientID, "message", "Reached provider login form")
	return nil
}

func getJSON(ctx context.Context, client *http.Client, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runHashPassword(args []string, in io.Reader, out io.Writer) error {
	password := ""
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("usage: hash-password <password> (or pass it on stdin)")
	}
	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// loadConfig reads path. A missing file at the default location falls back to
// the built-in demo configuration when that configuration runs in dev mode.
func loadConfig(path string, explicit bool, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		cfg, err := server.LoadConfig("")
		if err != nil {
			return server.Config{}, err
		}
		if !cfg.Server.DevMode {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		logger.Warn("config file not found, using built-in demo configuration", "path", path)
		return cfg, nil
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	// Password hashes are only checked when the directory is built.
	if _, err := server.NewStaticDirectory(cfg.Users.Static); err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if _, err := server.NewClientRegistry(cfg.OAuth2Clients); err != nil {
		return fmt.Errorf("clients: %w", err)
	}

	logger.Info("configuration summary",
		"issuer", cfg.Issuer(),
		"dev_mode", cfg.Server.DevMode,
		"store", cfg.Store.Backend,
		"clients", len(cfg.OAuth2Clients),
		"users", len(cfg.Users.Static),
	)

	if cfg.Store.Backend == server.StoreBackendRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		storeCfg := cfg.Store
		storeCfg.Redis.ConnectRetries = 1
		st, err := server.OpenStore(ctx, storeCfg, logger)
		if err != nil {
			logger.Warn("redis store not reachable", "url", redactURL(cfg.Store.Redis.URL), "error", err, "note", "the server retries on startup")
		} else {
			_ = st.Close()
			logger.Info("redis store is reachable", "url", redactURL(cfg.Store.Redis.URL))
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		issuer := strings.TrimSuffix(ask(reader, out, "Provider public URL (issuer)", cfg.Server.PublicURL), "/")
		cfg.Server.PublicURL = issuer
		cfg.Server.DevListenAddr = ask(reader, out, "Provider dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := ask(reader, out, "Primary public domain", "auth.example.com")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	backend := strings.ToLower(ask(reader, out, "Store backend (memory or redis)", cfg.Store.Backend))
	cfg.Store.Backend = backend
	if backend == server.StoreBackendRedis {
		cfg.Store.Redis.URL = ask(reader, out, "Redis URL", cfg.Store.Redis.URL)
	}

	clientID := ask(reader, out, "Client ID", server.DemoClientID)
	secretDefault := server.DemoClientSecret
	if !devMode {
		secretDefault = randomHex(24)
	}
	clientSecret := ask(reader, out, "Client secret", secretDefault)
	redirect := ask(reader, out, "Client redirect URIs (comma separated)", server.DemoRedirectURI)
	cfg.OAuth2Clients = []server.ClientConfig{{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURIs: normalizeList(redirect, []string{server.DemoRedirectURI}),
		Scopes:       []string{"openid", "profile", "email"},
	}}

	user := cfg.Users.Static[0]
	user.Username = ask(reader, out, "Username", user.Username)
	user.PreferredUsername = user.Username
	user.Name = ask(reader, out, "Display name", user.Name)
	user.Email = ask(reader, out, "Email", user.Email)
	password := ask(reader, out, "Password", user.Password)
	hash, err := server.HashPassword(password)
	if err != nil {
		return server.Config{}, err
	}
	user.Password = ""
	user.PasswordHash = hash
	cfg.Users.Static = []server.UserConfig{user}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Fprintln(out, "Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
