package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/estate-session/rpc"
	"github.com/pkg/errors"
)

const (
	maxRequestSize = 1 << 20
	tokenIssuer    = "estate-devauth"
)

var errInvalidToken = errors.New("invalid token")

// loginResult is the object form of a login result. Expiry is unix milliseconds.
type loginResult struct {
	Token     string `json:"token"`
	Principal string `json:"principal"`
	Expiry    int64  `json:"expiry"`
}

type method struct {
	arity int
	call  func(args []string) (any, error)
}

func (s *Server) methods() map[string]method {
	return map[string]method{
		rpc.MethodRegister: {2, func(a []string) (any, error) { return s.register(a[0], a[1]) }},
		rpc.MethodLogin:    {2, func(a []string) (any, error) { return s.login(a[0], a[1]) }},
		rpc.MethodLogout:   {1, func(a []string) (any, error) { return s.logout(a[0]), nil }},
		rpc.MethodVerifySession: {1, func(a []string) (any, error) {
			_, err := s.verify(a[0])
			return err == nil, nil
		}},
		rpc.MethodGetPrincipalFromToken: {1, func(a []string) (any, error) {
			claims, err := s.verify(a[0])
			if err != nil {
				return nil, err
			}
			return claims["sub"], nil
		}},
		rpc.MethodRequestPasswordReset: {1, func(a []string) (any, error) { return s.requestPasswordReset(a[0]), nil }},
		rpc.MethodResetPassword:        {3, func(a []string) (any, error) { return s.resetPassword(a[0], a[1], a[2]) }},
	}
}

// CallHandler serves POST /api/v2/canister/{serviceID}/call/{method}.
// Application failures are reported in the err field with status 200.
func (s *Server) CallHandler() http.HandlerFunc {
	methods := s.methods()
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := r.PathValue("serviceID")
		name := r.PathValue("method")
		if !s.servesService(serviceID) {
			writeCallError(w, "unknown service "+serviceID, http.StatusNotFound)
			return
		}
		m, ok := methods[name]
		if !ok {
			writeCallError(w, "unknown method "+name, http.StatusBadRequest)
			return
		}

		var req rpc.CallRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
			writeCallError(w, "malformed request body", http.StatusBadRequest)
			return
		}
		args, err := stringArgs(req.Args, m.arity)
		if err != nil {
			writeCallError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := m.call(args)
		if err != nil {
			s.logger.Debug().Err(err).Str("method", name).Msg("call declined")
			writeCallError(w, err.Error(), http.StatusOK)
			return
		}
		writeCallResult(w, result)
	}
}

// RootKeyHandler serves the signing key set clients bootstrap trust from.
func (s *Server) RootKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(s.signer.JWKS())
	}
}

func (s *Server) register(label, secret string) (bool, error) {
	if label == "" {
		return false, errors.New("label is required")
	}
	if err := ValidatePasswordStrength(secret); err != nil {
		return false, err
	}
	if _, err := s.accounts.GetByLabel(label); err == nil {
		return false, nil
	}
	hash, err := HashPassword(secret)
	if err != nil {
		return false, errors.Wrap(err, "[Server.register] hash secret")
	}
	err = s.accounts.Upsert(&Account{
		Principal:    DerivePrincipal("account:" + label),
		Label:        label,
		PasswordHash: hash,
		DateJoined:   s.nowTime(),
	})
	if err != nil {
		return false, errors.Wrap(err, "[Server.register]")
	}
	s.logger.Info().Str("label", label).Msg("account registered")
	return true, nil
}

func (s *Server) login(label, secret string) (*loginResult, error) {
	account, err := s.accounts.GetByLabel(label)
	if err != nil || !CheckPasswordHash(secret, account.PasswordHash) {
		return nil, errors.New("invalid credentials")
	}

	now := s.nowTime()
	expiresAt := now.Add(s.tokenTTL)
	token, err := s.signer.Sign(jwt.MapClaims{
		"iss":   tokenIssuer,
		"sub":   account.Principal,
		"label": account.Label,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	_ = s.accounts.SetLastLogin(label, now)
	return &loginResult{
		Token:     token,
		Principal: account.Principal,
		Expiry:    time.Unix(expiresAt.Unix(), 0).UnixMilli(),
	}, nil
}

func (s *Server) logout(token string) bool {
	claims, err := s.verify(token)
	if err != nil {
		return false
	}
	jti, _ := claims["jti"].(string)
	exp, _ := claims.GetExpirationTime()
	_ = s.revoked.Add(jti, exp.Time)
	s.revoked.Cleanup(s.nowTime())
	return true
}

// verify checks signature, expiry and revocation of a bearer token.
func (s *Server) verify(token string) (jwt.MapClaims, error) {
	claims, err := s.signer.Parse(token, s.nowTime)
	if err != nil {
		return nil, errInvalidToken
	}
	if iss, _ := claims["iss"].(string); iss != tokenIssuer {
		return nil, errInvalidToken
	}
	jti, _ := claims["jti"].(string)
	if jti == "" || s.revoked.IsRevoked(jti) {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (s *Server) requestPasswordReset(label string) bool {
	if _, err := s.accounts.GetByLabel(label); err != nil {
		return false
	}
	token := uuid.NewString()
	s.resets.issue(label, token, s.nowTime().Add(s.resetTTL))
	s.notifyReset(label, token)
	return true
}

func (s *Server) resetPassword(label, resetToken, newSecret string) (bool, error) {
	account, err := s.accounts.GetByLabel(label)
	if err != nil {
		return false, nil
	}
	if err := ValidatePasswordStrength(newSecret); err != nil {
		return false, err
	}
	if !s.resets.consume(label, resetToken, s.nowTime()) {
		return false, nil
	}
	hash, err := HashPassword(newSecret)
	if err != nil {
		return false, errors.Wrap(err, "[Server.resetPassword] hash secret")
	}
	account.PasswordHash = hash
	if err := s.accounts.Upsert(account); err != nil {
		return false, errors.Wrap(err, "[Server.resetPassword]")
	}
	s.logger.Info().Str("label", label).Msg("password reset")
	return true, nil
}

func stringArgs(args []any, arity int) ([]string, error) {
	if len(args) != arity {
		return nil, errors.Errorf("expected %d arguments, got %d", arity, len(args))
	}
	out := make([]string, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, errors.Errorf("argument %d must be text", i)
		}
		out[i] = s
	}
	return out, nil
}

func writeCallResult(w http.ResponseWriter, result any) {
	ok, err := json.Marshal(result)
	if err != nil {
		writeCallError(w, "unable to encode result", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rpc.CallResponse{Ok: ok})
}

func writeCallError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpc.CallResponse{Err: &message})
}
