package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const rsaKeyBits = 2048

// SigningKey is the active key pair.
type SigningKey struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	KeyID      string
	Algorithm  string
	CreatedAt  time.Time
}

// KeyProvider exposes the signing key and its public JWKS.
type KeyProvider interface {
	CurrentKey() SigningKey
	JWKS() jose.JSONWebKeySet
}

// KeyManager holds a single RSA signing key for the process lifetime.
type KeyManager struct {
	mu        sync.RWMutex
	current   SigningKey
	jwk       jose.JSONWebKey
	storePath string
	logger    *slog.Logger
}

// NewKeyManager loads the key from cfg.JWKSPath when present, otherwise it
// generates a fresh RSA key (and persists it if a path is configured).
func NewKeyManager(cfg KeyConfig, logger *slog.Logger) (*KeyManager, error) {
	kid := cfg.KeyID
	if kid == "" {
		kid = DefaultKeyID
	}
	m := &KeyManager{storePath: cfg.JWKSPath, logger: logger}

	if m.storePath != "" {
		err := m.loadFromDisk()
		switch {
		case err == nil:
			logger.Info("signing key loaded", "kid", m.current.KeyID, "path", m.storePath)
			return m, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("load signing key: %w", err)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	m.setKey(key, kid)

	if m.storePath != "" {
		if err := m.persist(); err != nil {
			return nil, fmt.Errorf("persist signing key: %w", err)
		}
	}
	logger.Info("signing key generated", "kid", kid, "bits", rsaKeyBits)
	return m, nil
}

// CurrentKey returns the active key pair.
func (m *KeyManager) CurrentKey() SigningKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// JWKS exposes the public half of the active key.
func (m *KeyManager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.jwk.Public()}}
}

// Sign signs claims with RS256 and sets the kid header.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	key := m.CurrentKey()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.KeyID
	return token.SignedString(key.PrivateKey)
}

// Keyfunc resolves the verification key for jwt parsing. Tokens naming an
// unknown kid are rejected.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	key := m.CurrentKey()
	kid, _ := token.Header["kid"].(string)
	if kid != key.KeyID {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key.PublicKey, nil
}

func (m *KeyManager) setKey(key *rsa.PrivateKey, kid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = SigningKey{
		PrivateKey: key,
		PublicKey:  &key.PublicKey,
		KeyID:      kid,
		Algorithm:  string(jose.RS256),
		CreatedAt:  time.Now(),
	}
	m.jwk = jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.jwk}}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *KeyManager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	for _, k := range set.Keys {
		if priv, ok := k.Key.(*rsa.PrivateKey); ok {
			m.setKey(priv, k.KeyID)
			return nil
		}
	}
	return errors.New("no RSA private key in jwks file")
}
