// Command rpcheck plays a relying party against a running provider: it logs
// in with the demo credentials, exchanges the code, verifies the id_token and
// calls userinfo, then checks code replay and token revocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"oidcprovider/client"
	"oidcprovider/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rpcheck: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rpcheck", flag.ContinueOnError)
	fs.SetOutput(out)

	issuer := fs.String("issuer", envOr("OIDC_PUBLIC_ISSUER", "http://localhost:9090"), "Public issuer URL")
	backchannel := fs.String("backchannel", os.Getenv("OIDC_ISSUER"), "Internal provider URL used for every request (optional)")
	clientID := fs.String("client-id", envOr("OIDC_CLIENT_ID", server.DemoClientID), "OAuth client ID")
	clientSecret := fs.String("client-secret", envOr("OIDC_CLIENT_SECRET", server.DemoClientSecret), "OAuth client secret")
	redirectURI := fs.String("redirect-uri", envOr("OIDC_REDIRECT_URI", server.DemoRedirectURI), "Registered redirect URI")
	username := fs.String("username", "user1", "Username to log in with")
	password := fs.String("password", "password1", "Password to log in with")
	replay := fs.Bool("replay", true, "Verify a redeemed code cannot be exchanged again")
	revoke := fs.Bool("revoke", true, "Revoke the access token and verify userinfo rejects it")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")
	logLevel := fs.String("log-level", "info", "Logging level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))

	flow, err := client.NewLoginFlow(client.FlowConfig{
		Issuer:         strings.TrimSuffix(*issuer, "/"),
		BackchannelURL: *backchannel,
		ClientID:       *clientID,
		ClientSecret:   *clientSecret,
		RedirectURL:    *redirectURI,
		Username:       *username,
		Password:       *password,
		CheckReplay:    *replay,
		Revoke:         *revoke,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	res, err := flow.Run(ctx)
	if err != nil {
		if errors.Is(err, client.ErrLoginRejected) {
			return fmt.Errorf("login failed for %q: %w", *username, err)
		}
		return err
	}

	logger.Info("relying party check passed",
		"sub", res.IDToken.Subject,
		"name", res.Identity.Name,
		"email", res.UserInfo.Email,
		"replay_rejected", res.ReplayRejected,
		"revoked", res.Revoked,
	)
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
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
