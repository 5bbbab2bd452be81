package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

var (
	// ErrLoginRejected means the provider re-rendered the login form.
	ErrLoginRejected = errors.New("login rejected by provider")
	// ErrStateMismatch means the callback state did not match the request.
	ErrStateMismatch = errors.New("state mismatch")
	// ErrNonceMismatch means the id_token nonce did not match the request.
	ErrNonceMismatch = errors.New("nonce mismatch")
)

// FlowConfig describes a headless authorization code login.
type FlowConfig struct {
	// Issuer is the public issuer URL the tokens are expected to carry.
	Issuer string
	// BackchannelURL optionally replaces the issuer origin for every request
	// made by the flow, for callers that reach the provider on an internal
	// address.
	BackchannelURL string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	Username string
	Password string

	// CheckReplay redeems the code a second time and expects invalid_grant.
	CheckReplay bool
	// Revoke revokes the access token at the end and confirms userinfo rejects it.
	Revoke bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// IdentityClaims are the profile claims carried by the id_token.
type IdentityClaims struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	AuthTime          int64  `json:"auth_time"`
}

// UserInfo is the provider's userinfo response.
type UserInfo struct {
	Subject           string `json:"sub"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}

// Result captures what a completed login produced.
type Result struct {
	Token          *oauth2.Token
	IDToken        *oidc.IDToken
	Identity       IdentityClaims
	UserInfo       UserInfo
	ReplayRejected bool
	Revoked        bool
}

type providerMetadata struct {
	Issuer           string   `json:"issuer"`
	AuthURL          string   `json:"authorization_endpoint"`
	TokenURL         string   `json:"token_endpoint"`
	UserInfoURL      string   `json:"userinfo_endpoint"`
	JWKSURL          string   `json:"jwks_uri"`
	RevocationURL    string   `json:"revocation_endpoint"`
	EndSessionURL    string   `json:"end_session_endpoint"`
	Algorithms       []string `json:"id_token_signing_alg_values_supported"`
	TokenAuthMethods []string `json:"token_endpoint_auth_methods_supported"`
}

// LoginFlow drives the authorization code flow end to end without a browser.
type LoginFlow struct {
	cfg        FlowConfig
	client     *http.Client
	noRedirect *http.Client
	logger     *slog.Logger
}

// NewLoginFlow validates cfg and prepares HTTP clients.
func NewLoginFlow(cfg FlowConfig) (*LoginFlow, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("client_id and redirect_url are required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LoginFlow{cfg: cfg, client: client, noRedirect: &noRedirect, logger: logger}, nil
}

// Run performs discovery, login, code exchange, id_token verification and
// userinfo, plus the optional replay and revocation checks.
func (f *LoginFlow) Run(ctx context.Context) (*Result, error) {
	ctx = oidc.ClientContext(ctx, f.client)

	provider, meta, err := f.discover(ctx)
	if err != nil {
		return nil, err
	}
	f.logger.Info("discovered provider", "issuer", meta.Issuer, "token_endpoint", meta.TokenURL)

	oc := oauth2.Config{
		ClientID:     f.cfg.ClientID,
		ClientSecret: f.cfg.ClientSecret,
		RedirectURL:  f.cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       f.cfg.Scopes,
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	code, err := f.login(ctx, oc.AuthCodeURL(state, oidc.Nonce(nonce)), oc.Endpoint.AuthURL, state)
	if err != nil {
		return nil, err
	}
	f.logger.Info("authorization code received")

	token, err := oc.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	f.logger.Info("code exchanged", "token_type", token.TokenType, "expiry", token.Expiry)

	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, errors.New("token response carries no id_token")
	}
	idToken, err := provider.Verifier(&oidc.Config{ClientID: f.cfg.ClientID}).Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}
	res := &Result{Token: token, IDToken: idToken}
	if err := idToken.Claims(&res.Identity); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	f.logger.Info("id_token verified", "sub", idToken.Subject)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	if err := info.Claims(&res.UserInfo); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if res.UserInfo.Subject != idToken.Subject {
		return nil, fmt.Errorf("userinfo subject %q does not match id_token subject %q", res.UserInfo.Subject, idToken.Subject)
	}
	f.logger.Info("userinfo fetched", "sub", res.UserInfo.Subject, "email", res.UserInfo.Email)

	if f.cfg.CheckReplay {
		_, err := oc.Exchange(ctx, code)
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) || re.ErrorCode != "invalid_grant" {
			return res, fmt.Errorf("replayed code was not rejected with invalid_grant: %v", err)
		}
		res.ReplayRejected = true
		f.logger.Info("code replay rejected")
	}

	if f.cfg.Revoke {
		if err := f.revoke(ctx, meta.RevocationURL, token.AccessToken); err != nil {
			return res, err
		}
		if _, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token)); err == nil {
			return res, errors.New("userinfo still accepts the revoked token")
		}
		res.Revoked = true
		f.logger.Info("access token revoked")
	}

	return res, nil
}

func (f *LoginFlow) discover(ctx context.Context) (*oidc.Provider, providerMetadata, error) {
	var meta providerMetadata
	if f.cfg.BackchannelURL == "" {
		provider, err := oidc.NewProvider(ctx, f.cfg.Issuer)
		if err != nil {
			return nil, meta, fmt.Errorf("discovery: %w", err)
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, meta, fmt.Errorf("discovery claims: %w", err)
		}
		return provider, meta, nil
	}

	discoveryCtx := oidc.InsecureIssuerURLContext(ctx, f.cfg.Issuer)
	discovered, err := oidc.NewProvider(discoveryCtx, f.cfg.BackchannelURL)
	if err != nil {
		return nil, meta, fmt.Errorf("discovery: %w", err)
	}
	if err := discovered.Claims(&meta); err != nil {
		return nil, meta, fmt.Errorf("discovery claims: %w", err)
	}

	rebase := func(endpoint string) string {
		issuer := strings.TrimSuffix(meta.Issuer, "/")
		if !strings.HasPrefix(endpoint, issuer) {
			return endpoint
		}
		return strings.TrimSuffix(f.cfg.BackchannelURL, "/") + strings.TrimPrefix(endpoint, issuer)
	}
	meta.AuthURL = rebase(meta.AuthURL)
	meta.TokenURL = rebase(meta.TokenURL)
	meta.UserInfoURL = rebase(meta.UserInfoURL)
	meta.JWKSURL = rebase(meta.JWKSURL)
	meta.RevocationURL = rebase(meta.RevocationURL)

	pc := oidc.ProviderConfig{
		IssuerURL:   meta.Issuer,
		AuthURL:     meta.AuthURL,
		TokenURL:    meta.TokenURL,
		UserInfoURL: meta.UserInfoURL,
		JWKSURL:     meta.JWKSURL,
		Algorithms:  meta.Algorithms,
	}
	return pc.NewProvider(ctx), meta, nil
}

// login loads the login form, submits credentials and returns the code from
// the redirect without following it.
func (f *LoginFlow) login(ctx context.Context, authURL, formAction, state string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("load login form: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("load login form: unexpected status %s", resp.Status)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		return "", err
	}
	form := parsed.Query()
	form.Set("username", f.cfg.Username)
	form.Set("password", f.cfg.Password)

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, formAction, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = f.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit credentials: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther:
	case http.StatusUnauthorized:
		return "", ErrLoginRejected
	default:
		return "", fmt.Errorf("submit credentials: unexpected status %s", resp.Status)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("parse callback: %w", err)
	}
	if !strings.HasPrefix(loc.String(), f.cfg.RedirectURL) {
		return "", fmt.Errorf("redirected to unexpected location %q", loc.Redacted())
	}
	q := loc.Query()
	if q.Get("state") != state {
		return "", ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("callback carries no code")
	}
	return code, nil
}

func (f *LoginFlow) revoke(ctx context.Context, endpoint, token string) error {
	if endpoint == "" {
		return errors.New("provider advertises no revocation_endpoint")
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: unexpected status %s", resp.Status)
	}
	return nil
}
