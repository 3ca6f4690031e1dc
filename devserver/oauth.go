package devserver

import (
	"encoding/json"
	"net/http"
)

// ResponseType is the OAuth 2.0 response_type. Only the authorization code
// flow is supported.
type ResponseType string

const CodeResponseType ResponseType = "code"

// CodeMethodType is the PKCE code_challenge_method.
type CodeMethodType string

const CodeMethodTypeS256 CodeMethodType = "S256"

// GrantType is the grant_type accepted at the token endpoint.
type GrantType string

const AuthorizationCodeGrant GrantType = "authorization_code"

// OAuth error codes returned by the identity provider.
const (
	errInvalidRequest          = "invalid_request"
	errInvalidGrant            = "invalid_grant"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errUnsupportedResponseType = "unsupported_response_type"
	errAccessDenied            = "access_denied"
)

// TokenResponse is the token endpoint response (RFC 6749 section 5.1).
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IdToken     string `json:"id_token,omitempty"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// oauthError is the token endpoint error body (RFC 6749 section 5.2).
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{Error: code, ErrorDescription: description})
}
