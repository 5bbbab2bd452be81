package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"oidcprovider/server"
	"oidcprovider/server/store"
)

func startProvider(t *testing.T) string {
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
	return srv.URL
}

func TestRunPasses(t *testing.T) {
	issuer := startProvider(t)

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-issuer", issuer, "-backchannel", ""}, &out); err != nil {
		t.Fatalf("run: %v\n%s", err, out.String())
	}
	logs := out.String()
	if !strings.Contains(logs, `"msg":"relying party check passed"`) {
		t.Fatalf("expected success log, got %s", logs)
	}
	if !strings.Contains(logs, `"replay_rejected":true`) || !strings.Contains(logs, `"revoked":true`) {
		t.Fatalf("expected replay and revoke checks, got %s", logs)
	}
}

func TestRunWrongPassword(t *testing.T) {
	issuer := startProvider(t)

	err := run(context.Background(), []string{"-issuer", issuer, "-backchannel", "", "-password", "nope"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "login failed") {
		t.Fatalf("expected login failure, got %v", err)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	if err := run(context.Background(), []string{"-log-level", "trace"}, io.Discard); err == nil {
		t.Fatalf("expected invalid log level error")
	}
	if err := run(context.Background(), []string{"-no-such-flag"}, io.Discard); err == nil {
		t.Fatalf("expected flag parse error")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("RPCHECK_TEST_VALUE", "  ")
	if got := envOr("RPCHECK_TEST_VALUE", "def"); got != "def" {
		t.Fatalf("blank env should fall back, got %q", got)
	}
	t.Setenv("RPCHECK_TEST_VALUE", "set")
	if got := envOr("RPCHECK_TEST_VALUE", "def"); got != "set" {
		t.Fatalf("expected env value, got %q", got)
	}
}
