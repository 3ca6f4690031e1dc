package devserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// defaultAnchor is the identity used when the authorize request names none.
const defaultAnchor = "dev-user"

// WellKnownOpenIDConfigHandler serves the OIDC discovery document of the
// development identity provider.
func (s *Server) WellKnownOpenIDConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issuer := issuerFor(r)
		resp := map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + strings.TrimPrefix(RouteAuthorize, IdentityPath),
			"token_endpoint":                        issuer + strings.TrimPrefix(RouteToken, IdentityPath),
			"jwks_uri":                              issuer + strings.TrimPrefix(RouteWellKnownJWKS, IdentityPath),
			"response_types_supported":              []string{string(CodeResponseType)},
			"response_modes_supported":              []string{"query"},
			"subject_types_supported":               []string{"pairwise"},
			"id_token_signing_alg_values_supported": []string{RS256},
			"scopes_supported":                      []string{"openid", "email"},
			"token_endpoint_auth_methods_supported": []string{"none"},
			"grant_types_supported":                 []string{string(AuthorizationCodeGrant)},
			"code_challenge_methods_supported":      []string{string(CodeMethodTypeS256)},
			"claims_supported":                      []string{"sub", "email", "nonce", "derivation_origin"},
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// JWKSHandler returns the JSON Web Key Set used to validate ID tokens
func (s *Server) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(s.signer.JWKS())
	}
}

// AuthorizeHandler approves every well formed request without user
// interaction and redirects back with a code. The identity is named by
// login_hint and scoped to derivation_origin.
func (s *Server) AuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirectURI := q.Get("redirect_uri")
		target, err := url.Parse(redirectURI)
		if err != nil || !target.IsAbs() {
			http.Error(w, "Invalid authorization request: redirect_uri must be absolute", http.StatusBadRequest)
			return
		}
		clientID := q.Get("client_id")
		if clientID == "" {
			http.Error(w, "Invalid authorization request: client_id is required", http.StatusBadRequest)
			return
		}
		state := q.Get("state")

		if ResponseType(q.Get("response_type")) != CodeResponseType {
			redirectWithError(w, r, target, state, errUnsupportedResponseType)
			return
		}
		challenge := q.Get("code_challenge")
		if challenge == "" || CodeMethodType(q.Get("code_challenge_method")) != CodeMethodTypeS256 {
			redirectWithError(w, r, target, state, errInvalidRequest)
			return
		}
		if q.Get("prompt") == "none" && q.Get("login_hint") == "" {
			redirectWithError(w, r, target, state, errAccessDenied)
			return
		}

		origin := q.Get("derivation_origin")
		if origin == "" {
			origin = target.Scheme + "://" + target.Host
		}
		anchor := q.Get("login_hint")
		if anchor == "" {
			anchor = defaultAnchor
		}

		code := uuid.NewString()
		err = s.flows.Upsert(code, &AuthFlowState{
			ClientID:         clientID,
			RedirectURI:      redirectURI,
			CodeChallenge:    challenge,
			Nonce:            q.Get("nonce"),
			DerivationOrigin: origin,
			Anchor:           anchor,
			CreatedAt:        s.nowTime(),
		})
		if err != nil {
			http.Error(w, "Authorization failed: "+err.Error(), http.StatusInternalServerError)
			return
		}

		params := target.Query()
		params.Set("code", code)
		if state != "" {
			params.Set("state", state)
		}
		target.RawQuery = params.Encode()
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
	}
}

// TokenHandler exchanges an authorization code and its PKCE verifier for an
// ID token.
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, errInvalidRequest, "Failed to parse form data", http.StatusBadRequest)
			return
		}
		if GrantType(r.FormValue("grant_type")) != AuthorizationCodeGrant {
			writeOAuthError(w, errUnsupportedGrantType, "only authorization_code is supported", http.StatusBadRequest)
			return
		}

		flow, err := s.flows.Take(r.FormValue("code"))
		if err != nil {
			writeOAuthError(w, errInvalidGrant, err.Error(), http.StatusBadRequest)
			return
		}
		now := s.nowTime()
		switch {
		case now.Sub(flow.CreatedAt) > s.codeTTL:
			writeOAuthError(w, errInvalidGrant, "code expired", http.StatusBadRequest)
			return
		case flow.RedirectURI != r.FormValue("redirect_uri"):
			writeOAuthError(w, errInvalidGrant, "redirect_uri mismatch", http.StatusBadRequest)
			return
		case clientIDFrom(r) != flow.ClientID:
			writeOAuthError(w, errInvalidGrant, "client_id mismatch", http.StatusBadRequest)
			return
		case oauth2.S256ChallengeFromVerifier(r.FormValue("code_verifier")) != flow.CodeChallenge:
			writeOAuthError(w, errInvalidGrant, "code_verifier does not match code_challenge", http.StatusBadRequest)
			return
		}

		principal := DerivePrincipal(flow.DerivationOrigin + "#" + flow.Anchor)
		expiresAt := now.Add(s.idTokenTTL)
		claims := jwt.MapClaims{
			"iss":               issuerFor(r),
			"sub":               principal,
			"aud":               flow.ClientID,
			"email":             emailFor(flow.Anchor),
			"derivation_origin": flow.DerivationOrigin,
			"iat":               now.Unix(),
			"exp":               expiresAt.Unix(),
			"jti":               uuid.NewString(),
		}
		if flow.Nonce != "" {
			claims["nonce"] = flow.Nonce
		}
		idToken, err := s.signer.Sign(claims)
		if err != nil {
			writeOAuthError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}
		accessToken, err := s.signer.Sign(jwt.MapClaims{
			"iss": issuerFor(r),
			"sub": principal,
			"aud": flow.ClientID,
			"iat": now.Unix(),
			"exp": expiresAt.Unix(),
			"jti": uuid.NewString(),
		})
		if err != nil {
			writeOAuthError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}

		s.logger.Info().Str("principal", principal).Str("origin", flow.DerivationOrigin).Msg("delegated identity issued")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: accessToken,
			IdToken:     idToken,
			TokenType:   "Bearer",
			ExpiresIn:   int(s.idTokenTTL.Seconds()),
			Scope:       "openid email",
		})
	}
}

// clientIDFrom accepts the client id from the form or from basic auth.
func clientIDFrom(r *http.Request) string {
	if id := r.FormValue("client_id"); id != "" {
		return id
	}
	if id, _, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(id); err == nil {
			return unescaped
		}
		return id
	}
	return ""
}

func redirectWithError(w http.ResponseWriter, r *http.Request, target *url.URL, state, code string) {
	params := target.Query()
	params.Set("error", code)
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func issuerFor(r *http.Request) string {
	return getScheme(r) + "://" + r.Host + IdentityPath
}

func emailFor(anchor string) string {
	if strings.Contains(anchor, "@") {
		return anchor
	}
	return anchor + "@identity.localhost"
}
