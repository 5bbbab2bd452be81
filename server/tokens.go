package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"oidcprovider/server/store"
)

const tokenKeyPrefix = "token:"

// AccessTokenClaims captures the access token claims we mint and validate.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// IDTokenClaims are the OpenID Connect identity token claims.
type IDTokenClaims struct {
	AuthTime          *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce             string           `json:"nonce,omitempty"`
	Name              string           `json:"name,omitempty"`
	Email             string           `json:"email,omitempty"`
	PreferredUsername string           `json:"preferred_username,omitempty"`
	jwt.RegisteredClaims
}

// Signer signs claims with the active key.
type Signer interface {
	KeyProvider
	Sign(claims jwt.Claims) (string, error)
	Keyfunc(token *jwt.Token) (any, error)
}

// TokenIssuer mints access and identity tokens and tracks issued access tokens.
type TokenIssuer struct {
	issuer          string
	accessTTL       time.Duration
	checkRevocation bool
	keys            Signer
	store           store.Store
	logger          *slog.Logger
	now             func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg Config, keys Signer, s store.Store, logger *slog.Logger) *TokenIssuer {
	ttl := cfg.Tokens.AccessTTL
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &TokenIssuer{
		issuer:          cfg.Issuer(),
		accessTTL:       ttl,
		checkRevocation: cfg.Tokens.CheckRevocation,
		keys:            keys,
		store:           s,
		logger:          logger,
		now:             time.Now,
	}
}

// Issue signs an access token and an ID token for user and client and
// records the access token.
func (ti *TokenIssuer) Issue(ctx context.Context, user *User, client *Client, grant AuthorizationCode) (TokenResponse, error) {
	now := ti.now()
	exp := now.Add(ti.accessTTL)
	registered := jwt.RegisteredClaims{
		Issuer:    ti.issuer,
		Subject:   user.ID,
		Audience:  jwt.ClaimStrings{client.ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	access := AccessTokenClaims{
		Scope:            grant.Scope,
		ClientID:         client.ClientID,
		RegisteredClaims: registered,
	}
	access.ID = uuid.NewString()
	accessToken, err := ti.keys.Sign(access)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}

	authTime := grant.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	id := IDTokenClaims{
		AuthTime:          jwt.NewNumericDate(authTime),
		Nonce:             grant.Nonce,
		Name:              user.Name,
		Email:             user.Email,
		PreferredUsername: user.PreferredUsername,
		RegisteredClaims:  registered,
	}
	idToken, err := ti.keys.Sign(id)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("sign id token: %w", err)
	}

	record, err := json.Marshal(IssuedToken{
		UserID:    user.ID,
		ClientID:  client.ClientID,
		Scope:     grant.Scope,
		ExpiresAt: exp,
	})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("encode token record: %w", err)
	}
	if err := ti.store.Set(ctx, tokenKeyPrefix+accessToken, record, ti.accessTTL); err != nil {
		return TokenResponse{}, fmt.Errorf("record access token: %w", err)
	}

	return TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ti.accessTTL.Seconds()),
		IDToken:     idToken,
		Scope:       grant.Scope,
	}, nil
}

// Verify parses and validates an access token minted by this issuer.
// Store failures surface as store.ErrUnavailable; everything else is ErrTokenInvalid.
func (ti *TokenIssuer) Verify(ctx context.Context, token string) (*AccessTokenClaims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	tok, err := jwt.ParseWithClaims(token, &AccessTokenClaims{}, ti.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := tok.Claims.(*AccessTokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrTokenInvalid
	}

	if ti.checkRevocation {
		if _, err := ti.store.Get(ctx, tokenKeyPrefix+token); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: token revoked", ErrTokenInvalid)
			}
			return nil, err
		}
	}
	return claims, nil
}

// Revoke deletes the issued-token record. Unknown tokens are not an error.
func (ti *TokenIssuer) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return ti.store.Delete(ctx, tokenKeyPrefix+token)
}
