package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"oidcprovider/server/store"
)

const (
	codeBytes     = 32
	codeKeyPrefix = "authcode:"
)

// CodeRequest is the context captured when a code is issued.
type CodeRequest struct {
	ClientID    string
	RedirectURI string
	UserID      string
	Scope       string
	Nonce       string
}

// CodeStore issues and redeems one-time authorization codes.
type CodeStore struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewCodeStore wraps s. A non-positive ttl falls back to DefaultCodeTTL.
func NewCodeStore(s store.Store, ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{store: s, ttl: ttl, now: time.Now}
}

// Issue generates a fresh code bound to req.
func (cs *CodeStore) Issue(ctx context.Context, req CodeRequest) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	now := cs.now()
	entry := AuthorizationCode{
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		UserID:      req.UserID,
		Scope:       req.Scope,
		Nonce:       req.Nonce,
		AuthTime:    now,
		CreatedAt:   now,
		ExpiresAt:   now.Add(cs.ttl),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode code: %w", err)
	}
	if err := cs.store.Set(ctx, codeKeyPrefix+code, payload, cs.ttl); err != nil {
		return "", fmt.Errorf("save code: %w", err)
	}
	return code, nil
}

// Redeem atomically consumes code. Of several concurrent callers exactly one
// receives the context; the rest get ErrCodeNotFound.
func (cs *CodeStore) Redeem(ctx context.Context, code string) (AuthorizationCode, error) {
	if code == "" {
		return AuthorizationCode{}, ErrCodeNotFound
	}
	payload, err := cs.store.GetDel(ctx, codeKeyPrefix+code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AuthorizationCode{}, ErrCodeNotFound
		}
		return AuthorizationCode{}, fmt.Errorf("redeem code: %w", err)
	}
	var entry AuthorizationCode
	if err := json.Unmarshal(payload, &entry); err != nil {
		return AuthorizationCode{}, fmt.Errorf("decode code: %w", err)
	}
	if !cs.now().Before(entry.ExpiresAt) {
		return AuthorizationCode{}, ErrCodeNotFound
	}
	entry.Code = code
	return entry, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
