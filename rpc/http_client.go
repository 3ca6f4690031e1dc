package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	autherrors "github.com/jrsteele09/estate-session/internal/errors"
	"github.com/jrsteele09/estate-session/internal/utils"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// APIVersion is the only API version the client speaks. Endpoints configured
// with another version prefix are rewritten to it.
const APIVersion = "v2"

const (
	RootKeyPath     = "/api/" + APIVersion + "/status/root-key"
	requestIDHeader = "X-Request-ID"
	maxResponseSize = 1 << 20
)

// Remote method names.
const (
	MethodRegister              = "register"
	MethodLogin                 = "login"
	MethodLogout                = "logout"
	MethodVerifySession         = "verifySession"
	MethodGetPrincipalFromToken = "getPrincipalFromToken"
	MethodRequestPasswordReset  = "requestPasswordReset"
	MethodResetPassword         = "resetPassword"
)

// CallPath returns the path a method is invoked on for a service.
func CallPath(serviceID, method string) string {
	return "/api/" + APIVersion + "/canister/" + url.PathEscape(serviceID) + "/call/" + method
}

// CallRequest is the request body of every remote call.
type CallRequest struct {
	Args []any `json:"args"`
}

// CallResponse carries either a result or an application error.
type CallResponse struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// loginPayload is the object form of a login result. Expiry is unix milliseconds.
type loginPayload struct {
	Token     string          `json:"token"`
	Principal json.RawMessage `json:"principal,omitempty"`
	Expiry    *int64          `json:"expiry,omitempty"`
}

var _ Client = (*HTTPClient)(nil)
var _ RootKeyFetcher = (*HTTPClient)(nil)

// HTTPClient calls the auth service with JSON over HTTP.
type HTTPClient struct {
	endpoint  *url.URL
	serviceID string
	http      *http.Client
	tracer    trace.Tracer
	trust     *TrustRoot
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

func WithTracer(t trace.Tracer) HTTPOption {
	return func(h *HTTPClient) {
		h.tracer = t
	}
}

// NewHTTPClient binds a client to endpoint and serviceID.
func NewHTTPClient(endpoint *url.URL, serviceID string, options ...HTTPOption) (*HTTPClient, error) {
	if endpoint == nil || endpoint.Host == "" {
		return nil, errors.New("[NewHTTPClient] endpoint is required")
	}
	if strings.TrimSpace(serviceID) == "" {
		return nil, errors.New("[NewHTTPClient] service id is required")
	}
	c := &HTTPClient{
		endpoint:  normalizeEndpoint(endpoint),
		serviceID: serviceID,
		http:      &http.Client{Timeout: 30 * time.Second},
		tracer:    otel.Tracer("github.com/jrsteele09/estate-session/rpc"),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// DialHTTP returns a DialFunc building HTTPClients with the given options.
func DialHTTP(options ...HTTPOption) DialFunc {
	return func(_ context.Context, endpoint *url.URL, serviceID string) (Client, error) {
		return NewHTTPClient(endpoint, serviceID, options...)
	}
}

func (c *HTTPClient) Endpoint() *url.URL {
	u := *c.endpoint
	return &u
}

func (c *HTTPClient) ServiceID() string { return c.serviceID }

func (c *HTTPClient) TrustRoot() *TrustRoot { return c.trust }

// FetchRootKey downloads the service signing keys. It is called once, by the
// Factory, before the client is handed out.
func (c *HTTPClient) FetchRootKey(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "rpc.fetchRootKey")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(RootKeyPath), nil)
	if err != nil {
		return errors.Wrap(err, "[HTTPClient.FetchRootKey] build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: fetch root key: %w", autherrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetch root key: status %d", autherrors.ErrUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read root key: %w", autherrors.ErrUnavailable, err)
	}
	root, err := ParseTrustRoot(data)
	if err != nil {
		return errors.Wrap(err, "[HTTPClient.FetchRootKey]")
	}
	c.trust = root
	return nil
}

func (c *HTTPClient) Register(ctx context.Context, label, secret string) (bool, error) {
	return c.callBool(ctx, MethodRegister, label, secret)
}

func (c *HTTPClient) Login(ctx context.Context, label, secret string) (*LoginResult, error) {
	raw, err := c.call(ctx, MethodLogin, label, secret)
	if err != nil {
		return nil, err
	}
	return decodeLoginResult(raw)
}

func (c *HTTPClient) Logout(ctx context.Context, token string) (bool, error) {
	return c.callBool(ctx, MethodLogout, token)
}

func (c *HTTPClient) VerifySession(ctx context.Context, token string) (bool, error) {
	return c.callBool(ctx, MethodVerifySession, token)
}

func (c *HTTPClient) GetPrincipalFromToken(ctx context.Context, token string) (string, error) {
	raw, err := c.call(ctx, MethodGetPrincipalFromToken, token)
	if err != nil {
		return "", err
	}
	p, err := DecodePrincipal(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", autherrors.ErrRejected, err)
	}
	return p, nil
}

func (c *HTTPClient) RequestPasswordReset(ctx context.Context, label string) (bool, error) {
	return c.callBool(ctx, MethodRequestPasswordReset, label)
}

func (c *HTTPClient) ResetPassword(ctx context.Context, label, resetToken, newSecret string) (bool, error) {
	return c.callBool(ctx, MethodResetPassword, label, resetToken, newSecret)
}

func (c *HTTPClient) callBool(ctx context.Context, method string, args ...any) (bool, error) {
	raw, err := c.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("%w: %s: decode result: %w", autherrors.ErrUnavailable, method, err)
	}
	return ok, nil
}

// call always POSTs: every call carries a body.
func (c *HTTPClient) call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "rpc."+method, trace.WithAttributes(
		attribute.String("rpc.service", c.serviceID),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	raw, err := c.do(ctx, method, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return raw, err
}

func (c *HTTPClient) do(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(CallRequest{Args: args})
	if err != nil {
		return nil, errors.Wrapf(err, "[HTTPClient.%s] encode args", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(CallPath(c.serviceID, method)), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "[HTTPClient.%s] build request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", autherrors.ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &RemoteError{Method: method, Message: resp.Status}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s: status %d", autherrors.ErrUnavailable, method, resp.StatusCode)
	}

	var out CallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %w", autherrors.ErrUnavailable, method, err)
	}
	if out.Err != nil {
		return nil, &RemoteError{Method: method, Message: utils.Value(out.Err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &RemoteError{Method: method, Message: resp.Status}
	}
	return out.Ok, nil
}

func (c *HTTPClient) url(path string) string {
	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// decodeLoginResult accepts the optional-text form (["token"] or []) and the
// object form {"token", "principal", "expiry"}.
func decodeLoginResult(raw json.RawMessage) (*LoginResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &RemoteError{Method: MethodLogin, Message: "no token issued"}
	}
	if raw[0] == '[' {
		var opt []string
		if err := json.Unmarshal(raw, &opt); err != nil {
			return nil, fmt.Errorf("%w: login: decode result: %w", autherrors.ErrUnavailable, err)
		}
		if len(opt) == 0 || opt[0] == "" {
			return nil, &RemoteError{Method: MethodLogin, Message: "no token issued"}
		}
		return &LoginResult{Token: opt[0]}, nil
	}

	var payload loginPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: login: decode result: %w", autherrors.ErrUnavailable, err)
	}
	if payload.Token == "" {
		return nil, &RemoteError{Method: MethodLogin, Message: "no token issued"}
	}
	result := &LoginResult{Token: payload.Token}
	if len(payload.Principal) > 0 && !bytes.Equal(payload.Principal, []byte("null")) {
		p, err := DecodePrincipal(payload.Principal)
		if err != nil {
			return nil, fmt.Errorf("%w: login: %w", autherrors.ErrRejected, err)
		}
		result.Principal = p
	}
	if payload.Expiry != nil {
		result.Expiry = utils.FromUnixMilli(payload.Expiry)
	}
	return result, nil
}

// normalizeEndpoint drops any API version prefix from the endpoint path so
// that every call targets APIVersion.
func normalizeEndpoint(endpoint *url.URL) *url.URL {
	u := &url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: endpoint.Path}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if i := strings.Index(u.Path, "/api/"); i >= 0 {
		u.Path = u.Path[:i]
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u
}
