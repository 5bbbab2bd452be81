package server

// Endpoint paths relative to the issuer.
const (
	PathDiscovery = "/.well-known/openid-configuration"
	PathCerts     = "/protocol/openid-connect/certs"
	PathAuth      = "/protocol/openid-connect/auth"
	PathToken     = "/protocol/openid-connect/token"
	PathUserInfo  = "/protocol/openid-connect/userinfo"
	PathLogout    = "/protocol/openid-connect/logout"
	PathRevoke    = "/protocol/openid-connect/revoke"
	PathHealth    = "/healthz"
)

// DiscoveryDocument is the OpenID Provider metadata.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
}

// BuildDiscoveryDocument constructs the OIDC discovery document.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuth,
		TokenEndpoint:                     issuer + PathToken,
		UserInfoEndpoint:                  issuer + PathUserInfo,
		JWKSURI:                           issuer + PathCerts,
		EndSessionEndpoint:                issuer + PathLogout,
		RevocationEndpoint:                issuer + PathRevoke,
		ResponseTypesSupported:            []string{ResponseTypeCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{"openid", "profile", "email"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "name", "email", "preferred_username"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode},
	}
}
