package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"oidcprovider/server"
	"oidcprovider/server/store"
)

// startProvider runs the provider on a real listener so the issuer matches
// the URL clients use.
func startProvider(t *testing.T) (*httptest.Server, *server.App) {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)

	cfg := server.DefaultConfig()
	cfg.Server.PublicURL = "http://" + srv.Listener.Addr().String()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := server.NewAppWithStore(cfg, store.NewMemoryStore(store.WithCleanupInterval(0)), logger)
	if err != nil {
		t.Fatalf("NewAppWithStore: %v", err)
	}
	srv.Config.Handler = app.Routes()
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		_ = app.Close()
	})
	return srv, app
}

func demoFlowConfig(issuer string) FlowConfig {
	return FlowConfig{
		Issuer:       issuer,
		ClientID:     server.DemoClientID,
		ClientSecret: server.DemoClientSecret,
		RedirectURL:  server.DemoRedirectURI,
		Username:     "user1",
		Password:     "password1",
	}
}

func TestLoginFlowRun(t *testing.T) {
	srv, _ := startProvider(t)

	cfg := demoFlowConfig(srv.URL)
	cfg.CheckReplay = true
	cfg.Revoke = true
	flow, err := NewLoginFlow(cfg)
	if err != nil {
		t.Fatalf("NewLoginFlow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := flow.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.IDToken.Subject != "1" || res.IDToken.Issuer != srv.URL {
		t.Fatalf("unexpected id_token sub=%q iss=%q", res.IDToken.Subject, res.IDToken.Issuer)
	}
	if res.Identity.Email != "admin@demo.com" || res.Identity.Name != "Administrator" || res.Identity.AuthTime == 0 {
		t.Fatalf("unexpected identity claims %+v", res.Identity)
	}
	if res.UserInfo.PreferredUsername != "user1" {
		t.Fatalf("unexpected userinfo %+v", res.UserInfo)
	}
	if !res.ReplayRejected {
		t.Fatalf("expected replay to be rejected")
	}
	if !res.Revoked {
		t.Fatalf("expected token to be revoked")
	}
	if res.Token.Expiry.Before(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("access token expiry too short: %s", res.Token.Expiry)
	}
}

func TestLoginFlowWrongPassword(t *testing.T) {
	srv, _ := startProvider(t)

	cfg := demoFlowConfig(srv.URL)
	cfg.Password = "nope"
	flow, err := NewLoginFlow(cfg)
	if err != nil {
		t.Fatalf("NewLoginFlow: %v", err)
	}
	if _, err := flow.Run(context.Background()); !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
}

func TestLoginFlowWrongSecret(t *testing.T) {
	srv, _ := startProvider(t)

	cfg := demoFlowConfig(srv.URL)
	cfg.ClientSecret = "wrong"
	flow, err := NewLoginFlow(cfg)
	if err != nil {
		t.Fatalf("NewLoginFlow: %v", err)
	}
	if _, err := flow.Run(context.Background()); err == nil {
		t.Fatalf("expected exchange to fail with a wrong client secret")
	}
}

func TestLoginFlowBackchannel(t *testing.T) {
	srv, _ := startProvider(t)

	// The provider is reached on 127.0.0.1 while its issuer names the same
	// listener; rebasing must keep verification against the issuer.
	cfg := demoFlowConfig(srv.URL)
	cfg.BackchannelURL = srv.URL + "/"
	flow, err := NewLoginFlow(cfg)
	if err != nil {
		t.Fatalf("NewLoginFlow: %v", err)
	}
	res, err := flow.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UserInfo.Subject != "1" {
		t.Fatalf("unexpected subject %q", res.UserInfo.Subject)
	}
}

func TestNewLoginFlowValidates(t *testing.T) {
	if _, err := NewLoginFlow(FlowConfig{}); err == nil {
		t.Fatalf("expected error without issuer")
	}
	if _, err := NewLoginFlow(FlowConfig{Issuer: "http://x"}); err == nil {
		t.Fatalf("expected error without client")
	}
}
