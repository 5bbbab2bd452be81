package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Grant and response types understood by the provider.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	ResponseTypeCode           = "code"
)

// ClientRegistry holds registered OAuth clients. It is read-only after
// construction.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfgs []ClientConfig) (*ClientRegistry, error) {
	clients := make(map[string]*Client, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		if _, dup := clients[cfg.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", cfg.ClientID)
		}
		grants := cfg.GrantTypes
		if len(grants) == 0 {
			grants = []string{GrantTypeAuthorizationCode}
		}
		responses := cfg.ResponseTypes
		if len(responses) == 0 {
			responses = []string{ResponseTypeCode}
		}
		clients[cfg.ClientID] = &Client{
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			RedirectURIs:  slices.Clone(cfg.RedirectURIs),
			GrantTypes:    slices.Clone(grants),
			ResponseTypes: slices.Clone(responses),
			Scopes:        slices.Clone(cfg.Scopes),
		}
	}
	return &ClientRegistry{clients: clients}, nil
}

// Lookup retrieves a client definition.
func (cr *ClientRegistry) Lookup(id string) (*Client, bool) {
	client, ok := cr.clients[id]
	return client, ok
}

// Authenticate validates client credentials. Unknown clients and wrong
// secrets are indistinguishable to the caller.
func (cr *ClientRegistry) Authenticate(id, secret string) (*Client, bool) {
	client, ok := cr.clients[id]
	if !ok || secret == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		return nil, false
	}
	return client, true
}

// IsRegisteredRedirect reports whether uri is a redirect URI of any client.
func (cr *ClientRegistry) IsRegisteredRedirect(uri string) bool {
	for _, c := range cr.clients {
		if c.ValidRedirect(uri) {
			return true
		}
	}
	return false
}

// ValidRedirect reports whether uri is byte-equal to a registered redirect
// URI and is safe to redirect to.
func (c *Client) ValidRedirect(uri string) bool {
	if !isSafeRedirectURI(uri) {
		return false
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrantType reports whether the client may use grantType at the token endpoint.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType reports whether the client may request responseType.
func (c *Client) AllowsResponseType(responseType string) bool {
	return slices.Contains(c.ResponseTypes, responseType)
}

// isSafeRedirectURI validates that a redirect URI is safe to use.
// Blocks dangerous schemes, protocol-relative URLs and userinfo tricks.
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	if strings.HasPrefix(uri, "//") {
		return false
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme := uri[:idx]
	rest := uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain attacks
	if strings.Contains(rest, "@") {
		return false
	}

	// Format: http://evil.com#http://trusted.com/callback
	hostPart := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		hostPart = rest[:slashIdx]
	}
	if hostPart == "" || strings.Contains(hostPart, "#") {
		return false
	}

	return true
}
