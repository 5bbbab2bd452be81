package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"oidcprovider/server/store"
)

//go:embed templates/login.html
var loginHTML string

var loginTemplate = template.Must(template.New("login").Parse(loginHTML))

const maxRevokeBody = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    store.Store
	Keys     *KeyManager
	Clients  *ClientRegistry
	Verifier *CredentialVerifier
	Codes    *CodeStore
	Tokens   *TokenIssuer
	Metrics  *Metrics
}

// NewApp opens the configured store and wires the application state.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	app, err := NewAppWithStore(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

// NewAppWithStore wires the application on top of an existing store.
func NewAppWithStore(cfg Config, st store.Store, logger *slog.Logger) (*App, error) {
	keys, err := NewKeyManager(cfg.Keys, logger)
	if err != nil {
		return nil, err
	}

	clients, err := NewClientRegistry(cfg.OAuth2Clients)
	if err != nil {
		return nil, fmt.Errorf("init clients: %w", err)
	}

	users, err := NewStaticDirectory(cfg.Users.Static)
	if err != nil {
		return nil, fmt.Errorf("init users: %w", err)
	}
	verifier, err := NewCredentialVerifier(users, cfg.Users.LookupTimeout)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics()
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Keys:     keys,
		Clients:  clients,
		Verifier: verifier,
		Codes:    NewCodeStore(st, cfg.Tokens.CodeTTL),
		Tokens:   NewTokenIssuer(cfg, keys, st, logger),
		Metrics:  metrics,
	}, nil
}

// OpenStore builds the configured ephemeral store backend.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "", StoreBackendMemory:
		logger.Info("using in-memory store", "cleanup_interval", cfg.CleanupInterval.String())
		return store.NewMemoryStore(store.WithCleanupInterval(cfg.CleanupInterval)), nil
	case StoreBackendRedis:
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			URL:              cfg.Redis.URL,
			KeyPrefix:        cfg.Redis.KeyPrefix,
			DialTimeout:      cfg.Redis.DialTimeout,
			ReadTimeout:      cfg.Redis.ReadTimeout,
			WriteTimeout:     cfg.Redis.WriteTimeout,
			OperationTimeout: cfg.OperationTimeout,
			ConnectRetries:   cfg.Redis.ConnectRetries,
			ConnectBackoff:   cfg.Redis.ConnectBackoff,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.JWKS())
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Warn("health check failed", "error", err)
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// authorizeParams are the authorization request parameters. They travel
// through the login form as hidden fields and are re-validated on POST.
type authorizeParams struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	Nonce        string
}

func authorizeParamsFrom(v url.Values) authorizeParams {
	return authorizeParams{
		ClientID:     v.Get("client_id"),
		RedirectURI:  v.Get("redirect_uri"),
		ResponseType: v.Get("response_type"),
		Scope:        v.Get("scope"),
		State:        v.Get("state"),
		Nonce:        v.Get("nonce"),
	}
}

func (a *App) validateAuthorize(p authorizeParams) (*Client, error) {
	client, ok := a.Clients.Lookup(p.ClientID)
	if !ok {
		return nil, errors.New("unknown client")
	}
	if !client.ValidRedirect(p.RedirectURI) {
		return nil, errors.New("invalid redirect_uri")
	}
	if p.ResponseType != ResponseTypeCode || !client.AllowsResponseType(p.ResponseType) {
		return nil, errors.New("unsupported response_type")
	}
	return client, nil
}

func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := authorizeParamsFrom(r.URL.Query())
	setLogClientID(r.Context(), params.ClientID)
	if _, err := a.validateAuthorize(params); err != nil {
		a.Logger.Warn("authorize invalid request", "client_id", params.ClientID, "reason", err.Error())
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, err.Error()))
		return
	}
	a.renderLogin(w, http.StatusOK, params, "", "")
}

func (a *App) handleAuthorizeDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, "invalid form"))
		return
	}

	params := authorizeParamsFrom(r.PostForm)
	setLogClientID(r.Context(), params.ClientID)
	client, err := a.validateAuthorize(params)
	if err != nil {
		a.Logger.Warn("authorize invalid request", "client_id", params.ClientID, "reason", err.Error())
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, err.Error()))
		return
	}

	ctx := r.Context()
	username := r.PostForm.Get("username")
	user, err := a.Verifier.Verify(ctx, username, r.PostForm.Get("password"))
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			a.Metrics.Login("failure")
			a.Logger.Warn("login failed", "client_id", client.ClientID, "request_id", RequestIDFromContext(ctx))
			a.renderLogin(w, http.StatusUnauthorized, params, username, "Invalid username or password.")
			return
		}
		a.Metrics.Login("error")
		a.Logger.Error("credential verification failed", "error", err)
		writeOAuthError(w, serverError(err))
		return
	}
	a.Metrics.Login("success")

	redirect, err := url.Parse(params.RedirectURI)
	if err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, "invalid redirect_uri"))
		return
	}

	scope := params.Scope
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	code, err := a.Codes.Issue(ctx, CodeRequest{
		ClientID:    client.ClientID,
		RedirectURI: params.RedirectURI,
		UserID:      user.ID,
		Scope:       scope,
		Nonce:       params.Nonce,
	})
	if err != nil {
		a.Logger.Error("issue authorization code", "error", err)
		writeOAuthError(w, serverError(err))
		return
	}
	a.Metrics.CodeIssued()

	values := redirect.Query()
	values.Set("code", code)
	if params.State != "" {
		values.Set("state", params.State)
	}
	redirect.RawQuery = values.Encode()

	a.Logger.Info("authorization code issued", "client_id", client.ClientID, "sub", user.ID)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

type loginPage struct {
	Action       string
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
	Nonce        string
	Username     string
	Error        string
}

func (a *App) renderLogin(w http.ResponseWriter, status int, p authorizeParams, username, msg string) {
	page := loginPage{
		Action:       PathAuth,
		ClientID:     p.ClientID,
		RedirectURI:  p.RedirectURI,
		ResponseType: p.ResponseType,
		Scope:        p.Scope,
		State:        p.State,
		Nonce:        p.Nonce,
		Username:     username,
		Error:        msg,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, page); err != nil {
		a.Logger.Error("render login form", "error", err)
	}
}

// TokenRequest is the normalized token endpoint input.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

// parseTokenRequest reads form fields and client credentials. HTTP Basic
// credentials are form-url-decoded and win over client_id/client_secret.
func parseTokenRequest(r *http.Request) (TokenRequest, error) {
	req := TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		var err error
		if req.ClientID, err = url.QueryUnescape(id); err != nil {
			return req, err
		}
		if req.ClientSecret, err = url.QueryUnescape(secret); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, "invalid form"))
		return
	}

	req, err := parseTokenRequest(r)
	setLogClientID(r.Context(), req.ClientID)
	if err != nil {
		a.tokenFailure(w, r, newOAuthError(http.StatusUnauthorized, ErrCodeInvalidClient, "malformed client credentials"))
		return
	}

	resp, err := a.exchange(r.Context(), req)
	if err != nil {
		a.tokenFailure(w, r, err)
		return
	}

	a.Metrics.TokenExchange("ok")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, resp)
}

func (a *App) tokenFailure(w http.ResponseWriter, r *http.Request, err error) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		a.Metrics.TokenExchange(oe.Code)
		if oe.Status >= http.StatusInternalServerError {
			a.Logger.Error("token exchange failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		} else {
			a.Logger.Warn("token exchange rejected", "error", oe.Code, "reason", oe.Description, "request_id", RequestIDFromContext(r.Context()))
		}
	}
	writeOAuthError(w, err)
}

// exchange runs the authorization_code grant. Checks happen in a fixed
// order: grant type, client authentication, client grant permission, code
// presence, code redemption, then binding of the code to client and redirect.
func (a *App) exchange(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	if req.GrantType != GrantTypeAuthorizationCode {
		return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeUnsupportedGrantType, "")
	}

	client, ok := a.Clients.Authenticate(req.ClientID, req.ClientSecret)
	if !ok {
		return TokenResponse{}, newOAuthError(http.StatusUnauthorized, ErrCodeInvalidClient, "client authentication failed")
	}
	if !client.AllowsGrantType(req.GrantType) {
		return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeUnauthorizedClient, "grant type not allowed for client")
	}

	if req.Code == "" {
		return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, "missing code")
	}

	grant, err := a.Codes.Redeem(ctx, req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeInvalidGrant, "code invalid or expired")
		}
		return TokenResponse{}, serverError(err)
	}

	// The code is consumed from here on, even when the binding checks fail.
	if grant.ClientID != client.ClientID {
		return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeInvalidGrant, "client mismatch")
	}
	if grant.RedirectURI != req.RedirectURI {
		return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeInvalidGrant, "redirect_uri mismatch")
	}

	user, err := a.Verifier.Lookup(ctx, grant.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return TokenResponse{}, newOAuthError(http.StatusBadRequest, ErrCodeInvalidGrant, "unknown subject")
		}
		return TokenResponse{}, serverError(err)
	}

	resp, err := a.Tokens.Issue(ctx, user, client, grant)
	if err != nil {
		return TokenResponse{}, serverError(err)
	}
	return resp, nil
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			token = r.PostForm.Get("access_token")
		}
	}
	if token == "" {
		writeOAuthError(w, newOAuthError(http.StatusUnauthorized, ErrCodeInvalidToken, "missing token"))
		return
	}

	ctx := r.Context()
	claims, err := a.Tokens.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			a.Logger.Debug("userinfo rejected token", "error", err)
			writeOAuthError(w, newOAuthError(http.StatusUnauthorized, ErrCodeInvalidToken, ""))
			return
		}
		a.Logger.Error("userinfo token check failed", "error", err)
		writeOAuthError(w, serverError(err))
		return
	}

	user, err := a.Verifier.Lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeOAuthError(w, newOAuthError(http.StatusUnauthorized, ErrCodeInvalidToken, ""))
			return
		}
		writeOAuthError(w, serverError(err))
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, UserInfo{
		Subject:           user.ID,
		Name:              user.Name,
		Email:             user.Email,
		PreferredUsername: user.PreferredUsername,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("redirect_uri")
	if target == "" {
		target = q.Get("post_logout_redirect_uri")
	}
	if !a.allowedLogoutRedirect(target) {
		if target != "" {
			a.Logger.Warn("logout redirect rejected", "redirect_uri", target)
		}
		target = a.Config.Server.LogoutRedirect
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) allowedLogoutRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return a.Clients.IsRegisteredRedirect(uri) || slices.Contains(a.Config.Server.PostLogoutRedirectURIs, uri)
}

// revokeTokenFrom reads the token from a form or JSON body. An undecodable
// JSON body yields an empty token.
func revokeTokenFrom(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRevokeBody)).Decode(&body); err != nil {
			return "", nil
		}
		return body.Token, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostForm.Get("token"), nil
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	token, err := revokeTokenFrom(r)
	if err != nil {
		writeOAuthError(w, newOAuthError(http.StatusBadRequest, ErrCodeInvalidRequest, "invalid form"))
		return
	}
	a.Metrics.Revocation()
	if err := a.Tokens.Revoke(r.Context(), token); err != nil {
		a.Logger.Error("revoke token", "error", err)
		writeOAuthError(w, newOAuthError(http.StatusServiceUnavailable, ErrCodeServerError, "temporarily unavailable"))
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

// serverError maps an internal failure to 503 when a dependency is down and
// 500 otherwise.
func serverError(err error) *OAuthError {
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, ErrUnavailable) {
		return newOAuthError(http.StatusServiceUnavailable, ErrCodeServerError, "temporarily unavailable")
	}
	return newOAuthError(http.StatusInternalServerError, ErrCodeServerError, "internal error")
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
