package server

import "time"

// Client records OAuth client metadata. Clients are immutable once the
// registry is built.
type Client struct {
	ClientID      string
	ClientSecret  string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	Scopes        []string
}

// User is a resource owner known to the user directory.
type User struct {
	ID                string
	Username          string
	PasswordHash      []byte
	Name              string
	Email             string
	PreferredUsername string
}

// AuthorizationCode is the context bound to a one-time code. It is stored
// as JSON in the ephemeral store.
type AuthorizationCode struct {
	Code        string    `json:"-"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	UserID      string    `json:"user_id"`
	Scope       string    `json:"scope"`
	Nonce       string    `json:"nonce,omitempty"`
	AuthTime    time.Time `json:"auth_time"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// IssuedToken is the record kept for every access token handed out.
type IssuedToken struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenResponse matches the token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	IDToken     string `json:"id_token"`
	Scope       string `json:"scope"`
}

// UserInfo contains the claims returned from the userinfo endpoint.
type UserInfo struct {
	Subject           string `json:"sub"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}
