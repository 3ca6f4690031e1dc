package devserver

import (
	"net/http"
	"strings"

	"github.com/jrsteele09/estate-session/rpc"
)

const (
	RouteRootKey = rpc.RootKeyPath
	RouteCall    = "/api/" + rpc.APIVersion + "/canister/{serviceID}/call/{method}"

	// IdentityPath is where the development identity provider is mounted.
	IdentityPath               = "/identity"
	RouteWellKnownOpenIDConfig = IdentityPath + "/.well-known/openid-configuration"
	RouteWellKnownJWKS         = IdentityPath + "/.well-known/jwks.json"
	RouteAuthorize             = IdentityPath + "/authorize"
	RouteToken                 = IdentityPath + "/token"
)

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET "+RouteRootKey, ChainMiddleware(s.RootKeyHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("OPTIONS "+RouteCall, ChainMiddleware(noContent, s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteCall, ChainMiddleware(s.CallHandler(), s.APIMiddleware()...))

	s.RegisterRouteFunc("GET "+RouteWellKnownOpenIDConfig, ChainMiddleware(s.WellKnownOpenIDConfigHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKSHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteAuthorize, ChainMiddleware(s.AuthorizeHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes returns the registered route patterns.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		s.logger.Debug().Str("method", method).Str("path", path).Msg("route")
	}
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
