package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"oidcprovider/server/store"
)

const (
	testRedirect = DemoRedirectURI
	testClientID = DemoClientID
	testSecret   = DemoClientSecret
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://issuer.test"
	cfg.Server.PostLogoutRedirectURIs = []string{"http://portal.test/bye"}
	cfg.OAuth2Clients = append(cfg.OAuth2Clients,
		ClientConfig{
			ClientID:     "other-app",
			ClientSecret: "p@ss word:1",
			RedirectURIs: []string{"http://other.test/cb"},
		},
		ClientConfig{
			ClientID:     "machine",
			ClientSecret: "m",
			RedirectURIs: []string{"http://machine.test/cb"},
			GrantTypes:   []string{"client_credentials"},
		},
	)
	cfg.applyDefaults()
	return cfg
}

func setupTestApp(t *testing.T) *App {
	t.Helper()
	mem := store.NewMemoryStore(store.WithCleanupInterval(0))
	return setupTestAppWithStore(t, mem)
}

func setupTestAppWithStore(t *testing.T, st store.Store) *App {
	t.Helper()
	app, err := NewAppWithStore(testConfig(), st, testLogger())
	if err != nil {
		t.Fatalf("NewAppWithStore: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json (status %d, body %q): %v", rec.Code, rec.Body.String(), err)
	}
	return out
}

func loginForm(clientID, redirectURI, state, nonce string) url.Values {
	return url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"scope":         {"openid profile email"},
		"state":         {state},
		"nonce":         {nonce},
		"username":      {"user1"},
		"password":      {"password1"},
	}
}

// obtainCode logs in as the demo user and returns the issued code.
func obtainCode(t *testing.T, h http.Handler, clientID, redirectURI string) string {
	t.Helper()
	rec := serve(h, formRequest(http.MethodPost, PathAuth, loginForm(clientID, redirectURI, "xyz", "n-0S6")))
	if rec.Code != http.StatusFound {
		t.Fatalf("login: expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", loc)
	}
	return code
}

func tokenForm(code, redirectURI string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {testClientID},
		"client_secret": {testSecret},
	}
}

func TestDiscoveryDocument(t *testing.T) {
	h := setupTestApp(t).Routes()
	rec := serve(h, httptest.NewRequest(http.MethodGet, PathDiscovery, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	doc := decodeJSON(t, rec)
	if doc["issuer"] != "http://issuer.test" {
		t.Fatalf("unexpected issuer %v", doc["issuer"])
	}
	if doc["jwks_uri"] != "http://issuer.test"+PathCerts {
		t.Fatalf("unexpected jwks_uri %v", doc["jwks_uri"])
	}
	if doc["token_endpoint"] != "http://issuer.test"+PathToken {
		t.Fatalf("unexpected token_endpoint %v", doc["token_endpoint"])
	}
}

func TestCertsExposeSigningKid(t *testing.T) {
	app := setupTestApp(t)
	rec := serve(app.Routes(), httptest.NewRequest(http.MethodGet, PathCerts, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("expected one key, got %d", len(set.Keys))
	}
	key := set.Keys[0]
	if key["kid"] != DefaultKeyID || key["kty"] != "RSA" || key["alg"] != "RS256" || key["use"] != "sig" {
		t.Fatalf("unexpected jwk %v", key)
	}
	if _, hasPrivate := key["d"]; hasPrivate {
		t.Fatalf("jwks leaks private exponent")
	}
}

func TestAuthorizeRendersLoginForm(t *testing.T) {
	h := setupTestApp(t).Routes()
	q := url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"response_type": {"code"},
		"state":         {`"><script>alert(1)</script>`},
		"nonce":         {"n-1"},
	}
	rec := serve(h, httptest.NewRequest(http.MethodGet, PathAuth+"?"+q.Encode(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{`name="client_id" value="oidc-demo"`, `name="nonce" value="n-1"`, `name="password"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("login form missing %q", want)
		}
	}
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Fatalf("state was not escaped")
	}
}

func TestAuthorizeRejectsInvalidRequests(t *testing.T) {
	h := setupTestApp(t).Routes()
	cases := []struct {
		name  string
		query url.Values
	}{
		{"unknown client", url.Values{"client_id": {"nope"}, "redirect_uri": {testRedirect}, "response_type": {"code"}}},
		{"missing client", url.Values{"redirect_uri": {testRedirect}, "response_type": {"code"}}},
		{"unregistered redirect", url.Values{"client_id": {testClientID}, "redirect_uri": {"http://evil.test/cb"}, "response_type": {"code"}}},
		{"redirect prefix", url.Values{"client_id": {testClientID}, "redirect_uri": {testRedirect + "/x"}, "response_type": {"code"}}},
		{"implicit flow", url.Values{"client_id": {testClientID}, "redirect_uri": {testRedirect}, "response_type": {"token"}}},
		{"missing response_type", url.Values{"client_id": {testClientID}, "redirect_uri": {testRedirect}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(h, httptest.NewRequest(http.MethodGet, PathAuth+"?"+tc.query.Encode(), nil))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != "" {
				t.Fatalf("invalid request must not redirect, got Location %q", loc)
			}
			if body := decodeJSON(t, rec); body["error"] != ErrCodeInvalidRequest {
				t.Fatalf("unexpected error %v", body["error"])
			}
		})
	}
}

func TestAuthorizeDecisionRevalidatesParameters(t *testing.T) {
	h := setupTestApp(t).Routes()
	form := loginForm(testClientID, "http://evil.test/steal", "s", "")
	rec := serve(h, formRequest(http.MethodPost, PathAuth, form))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for tampered redirect_uri, got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Fatalf("tampered request must not redirect")
	}
}

func TestAuthorizeDecisionBadCredentials(t *testing.T) {
	h := setupTestApp(t).Routes()
	for _, creds := range [][2]string{{"user1", "wrong"}, {"ghost", "password1"}} {
		form := loginForm(testClientID, testRedirect, "s", "")
		form.Set("username", creds[0])
		form.Set("password", creds[1])
		rec := serve(h, formRequest(http.MethodPost, PathAuth, form))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", creds[0], rec.Code)
		}
		if rec.Header().Get("Location") != "" {
			t.Fatalf("%s: failed login must not redirect", creds[0])
		}
		if !strings.Contains(rec.Body.String(), "Invalid username or password.") {
			t.Fatalf("%s: expected generic error in re-rendered form", creds[0])
		}
	}
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	app := setupTestApp(t)
	h := app.Routes()

	rec := serve(h, formRequest(http.MethodPost, PathAuth, loginForm(testClientID, testRedirect, "xyz", "n-0S6")))
	if rec.Code != http.StatusFound {
		t.Fatalf("login: expected 302, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Scheme+"://"+loc.Host+loc.Path != testRedirect {
		t.Fatalf("redirected to %q", loc)
	}
	if loc.Query().Get("state") != "xyz" {
		t.Fatalf("state not echoed: %q", loc.RawQuery)
	}
	code := loc.Query().Get("code")
	if len(code) != 64 {
		t.Fatalf("unexpected code %q", code)
	}

	rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected Cache-Control no-store, got %q", cc)
	}
	var tokens TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if tokens.TokenType != "Bearer" || tokens.ExpiresIn != 3600 || tokens.Scope != "openid profile email" {
		t.Fatalf("unexpected token response %+v", tokens)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" {
		t.Fatalf("missing tokens in %+v", tokens)
	}

	req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("userinfo: expected 200, got %d", rec.Code)
	}
	info := decodeJSON(t, rec)
	if info["sub"] != "1" || info["email"] != "admin@demo.com" || info["name"] != "Administrator" || info["preferred_username"] != "user1" {
		t.Fatalf("unexpected userinfo %v", info)
	}

	rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
	if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeInvalidGrant {
		t.Fatalf("replayed code: expected 400 invalid_grant, got %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, formRequest(http.MethodPost, PathRevoke, url.Values{"token": {tokens.AccessToken}}))
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["success"] != true {
		t.Fatalf("revoke: unexpected %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = serve(h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("userinfo after revoke: expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Fatalf("missing WWW-Authenticate header")
	}
}

func TestLoginDefaultsScope(t *testing.T) {
	h := setupTestApp(t).Routes()
	form := loginForm(testClientID, testRedirect, "", "")
	form.Del("scope")
	rec := serve(h, formRequest(http.MethodPost, PathAuth, form))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Query().Has("state") {
		t.Fatalf("state should be omitted when empty")
	}

	rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm(loc.Query().Get("code"), testRedirect)))
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d", rec.Code)
	}
	if scope := decodeJSON(t, rec)["scope"]; scope != DefaultScope {
		t.Fatalf("expected default scope, got %v", scope)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	app := setupTestApp(t)
	h := app.Routes()

	t.Run("unsupported grant type wins over bad credentials", func(t *testing.T) {
		form := url.Values{"grant_type": {"password"}, "client_id": {testClientID}, "client_secret": {"wrong"}}
		rec := serve(h, formRequest(http.MethodPost, PathToken, form))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeUnsupportedGrantType {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid client leaves code redeemable", func(t *testing.T) {
		code := obtainCode(t, h, testClientID, testRedirect)
		form := tokenForm(code, testRedirect)
		form.Set("client_secret", "wrong")
		rec := serve(h, formRequest(http.MethodPost, PathToken, form))
		if rec.Code != http.StatusUnauthorized || decodeJSON(t, rec)["error"] != ErrCodeInvalidClient {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
		rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
		if rec.Code != http.StatusOK {
			t.Fatalf("code should still be redeemable, got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("client not allowed the grant", func(t *testing.T) {
		form := url.Values{"grant_type": {"authorization_code"}, "code": {"x"}, "client_id": {"machine"}, "client_secret": {"m"}}
		rec := serve(h, formRequest(http.MethodPost, PathToken, form))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeUnauthorizedClient {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing code", func(t *testing.T) {
		rec := serve(h, formRequest(http.MethodPost, PathToken, tokenForm("", testRedirect)))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeInvalidRequest {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		rec := serve(h, formRequest(http.MethodPost, PathToken, tokenForm("deadbeef", testRedirect)))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeInvalidGrant {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("redirect mismatch consumes code", func(t *testing.T) {
		code := obtainCode(t, h, testClientID, testRedirect)
		rec := serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect+"?x=1")))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeInvalidGrant {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
		rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("code should be consumed after mismatch, got %d", rec.Code)
		}
	})

	t.Run("client mismatch", func(t *testing.T) {
		code := obtainCode(t, h, testClientID, testRedirect)
		form := tokenForm(code, testRedirect)
		form.Set("client_id", "other-app")
		form.Set("client_secret", "p@ss word:1")
		rec := serve(h, formRequest(http.MethodPost, PathToken, form))
		if rec.Code != http.StatusBadRequest || decodeJSON(t, rec)["error"] != ErrCodeInvalidGrant {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	h := setupTestApp(t).Routes()

	code := obtainCode(t, h, "other-app", "http://other.test/cb")
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"http://other.test/cb"},
		"client_id":     {"other-app"},
		"client_secret": {"not-the-secret"},
	}
	req := formRequest(http.MethodPost, PathToken, form)
	req.SetBasicAuth(url.QueryEscape("other-app"), url.QueryEscape("p@ss word:1"))
	rec := serve(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("basic auth should take precedence, got %d %s", rec.Code, rec.Body.String())
	}

	req = formRequest(http.MethodPost, PathToken, url.Values{"grant_type": {"authorization_code"}, "code": {"x"}})
	req.SetBasicAuth("other-app", "%zz")
	rec = serve(h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed basic credentials: expected 401, got %d", rec.Code)
	}
}

func TestConcurrentTokenExchangeSingleWinner(t *testing.T) {
	h := setupTestApp(t).Routes()
	code := obtainCode(t, h, testClientID, testRedirect)

	const workers = 16
	statuses := make(chan int, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			statuses <- serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect))).Code
		}()
	}
	close(start)
	wg.Wait()
	close(statuses)

	ok := 0
	for status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusBadRequest:
		default:
			t.Fatalf("unexpected status %d", status)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful exchange, got %d", ok)
	}
}

func TestUserInfoRejectsBadTokens(t *testing.T) {
	h := setupTestApp(t).Routes()
	for name, header := range map[string]string{
		"missing":     "",
		"wrong type":  "Basic abc",
		"garbage jwt": "Bearer not.a.jwt",
	} {
		req := httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := serve(h, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
		if decodeJSON(t, rec)["error"] != ErrCodeInvalidToken {
			t.Fatalf("%s: expected invalid_token", name)
		}
	}
}

func TestUserInfoAcceptsPost(t *testing.T) {
	h := setupTestApp(t).Routes()
	code := obtainCode(t, h, testClientID, testRedirect)
	rec := serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
	access := decodeJSON(t, rec)["access_token"].(string)

	rec = serve(h, formRequest(http.MethodPost, PathUserInfo, url.Values{"access_token": {access}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLogoutRedirects(t *testing.T) {
	h := setupTestApp(t).Routes()
	cases := map[string]string{
		"":                           DemoLogoutRedirect,
		testRedirect:                 testRedirect,
		"http://portal.test/bye":     "http://portal.test/bye",
		"http://evil.test/phish":     DemoLogoutRedirect,
		"javascript:alert(1)":        DemoLogoutRedirect,
		"//evil.test/protocol-relat": DemoLogoutRedirect,
	}
	for target, want := range cases {
		path := PathLogout
		if target != "" {
			path += "?" + url.Values{"redirect_uri": {target}}.Encode()
		}
		rec := serve(h, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusFound {
			t.Fatalf("%q: expected 302, got %d", target, rec.Code)
		}
		if got := rec.Header().Get("Location"); got != want {
			t.Fatalf("%q: redirected to %q, want %q", target, got, want)
		}
	}
}

func TestRevokeAcceptsJSONBody(t *testing.T) {
	h := setupTestApp(t).Routes()
	code := obtainCode(t, h, testClientID, testRedirect)
	rec := serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
	if rec.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d", rec.Code)
	}
	accessToken, _ := decodeJSON(t, rec)["access_token"].(string)

	body, _ := json.Marshal(map[string]string{"token": accessToken})
	req := httptest.NewRequest(http.MethodPost, PathRevoke, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = serve(h, req)
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["success"] != true {
		t.Fatalf("revoke: unexpected %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, PathUserInfo, nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if rec = serve(h, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("userinfo after JSON revoke: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, PathRevoke, strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	if rec = serve(h, req); rec.Code != http.StatusOK {
		t.Fatalf("unreadable JSON body: expected 200, got %d", rec.Code)
	}
}

func TestRejectedLoginCreatesNoCode(t *testing.T) {
	mem := store.NewMemoryStore(store.WithCleanupInterval(0))
	h := setupTestAppWithStore(t, mem).Routes()

	bad := loginForm(testClientID, testRedirect, "s", "")
	bad.Set("password", "wrong")
	for _, form := range []url.Values{bad, loginForm(testClientID, "http://evil.test/steal", "s", "")} {
		if rec := serve(h, formRequest(http.MethodPost, PathAuth, form)); rec.Code == http.StatusFound {
			t.Fatalf("rejected login must not redirect")
		}
	}
	if mem.Len() != 0 {
		t.Fatalf("rejected logins left %d entries in the store", mem.Len())
	}

	obtainCode(t, h, testClientID, testRedirect)
	if mem.Len() != 1 {
		t.Fatalf("expected one stored code, got %d", mem.Len())
	}
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	h := setupTestApp(t).Routes()
	for _, form := range []url.Values{{"token": {"never-issued"}}, {}} {
		rec := serve(h, formRequest(http.MethodPost, PathRevoke, form))
		if rec.Code != http.StatusOK || decodeJSON(t, rec)["success"] != true {
			t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
		}
	}
}

// downStore fails every operation as an unreachable backend would.
type downStore struct{}

func (downStore) Set(context.Context, string, []byte, time.Duration) error { return store.ErrUnavailable }
func (downStore) Get(context.Context, string) ([]byte, error)              { return nil, store.ErrUnavailable }
func (downStore) GetDel(context.Context, string) ([]byte, error)           { return nil, store.ErrUnavailable }
func (downStore) Delete(context.Context, string) error                     { return store.ErrUnavailable }
func (downStore) Ping(context.Context) error                               { return store.ErrUnavailable }
func (downStore) Close() error                                             { return nil }

func TestStoreOutageSurfacesAs503(t *testing.T) {
	h := setupTestAppWithStore(t, downStore{}).Routes()

	rec := serve(h, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz: expected 503, got %d", rec.Code)
	}

	rec = serve(h, formRequest(http.MethodPost, PathAuth, loginForm(testClientID, testRedirect, "s", "")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("login: expected 503, got %d", rec.Code)
	}

	rec = serve(h, formRequest(http.MethodPost, PathToken, tokenForm("abc", testRedirect)))
	if rec.Code != http.StatusServiceUnavailable || decodeJSON(t, rec)["error"] != ErrCodeServerError {
		t.Fatalf("token: expected 503 server_error, got %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(h, formRequest(http.MethodPost, PathRevoke, url.Values{"token": {"abc"}}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("revoke: expected 503, got %d", rec.Code)
	}
}

func TestHealthOK(t *testing.T) {
	h := setupTestApp(t).Routes()
	rec := serve(h, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if rec.Code != http.StatusOK || decodeJSON(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointCountsExchanges(t *testing.T) {
	h := setupTestApp(t).Routes()
	code := obtainCode(t, h, testClientID, testRedirect)
	serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))
	serve(h, formRequest(http.MethodPost, PathToken, tokenForm(code, testRedirect)))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`oidcp_token_exchanges_total{result="ok"} 1`,
		`oidcp_token_exchanges_total{result="invalid_grant"} 1`,
		`oidcp_authorization_codes_issued_total 1`,
		`oidcp_logins_total{result="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
