// Package http exposes the authcore recipes over HTTP/JSON and manages the
// server lifecycle.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/authcore/pkg/observability"
	"github.com/rhuss/authcore/pkg/signingkeys"
	"github.com/rhuss/authcore/pkg/storage"
	"github.com/rhuss/authcore/pkg/tenancy"
	"github.com/rhuss/authcore/pkg/totp"
	"github.com/rhuss/authcore/pkg/transport"
)

// TOTPService is the recipe surface served under /recipe/totp.
type TOTPService interface {
	RegisterDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName string, skew, period int) (totp.Device, error)
	ImportDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName, secret string, skew, period int) (totp.Device, error)
	VerifyDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName, code string) (bool, error)
	VerifyCode(ctx context.Context, tenant tenancy.TenantIdentifier, userID, code string) error
	UpdateDeviceName(ctx context.Context, tenant tenancy.TenantIdentifier, userID, oldName, newName string) error
	ListDevices(ctx context.Context, tenant tenancy.TenantIdentifier, userID string) ([]totp.Device, error)
	RemoveDevice(ctx context.Context, tenant tenancy.TenantIdentifier, userID, deviceName string) error
}

// KeySource resolves the signing key manager of an app.
type KeySource interface {
	SigningKeys(app tenancy.AppIdentifier) (*signingkeys.Manager, error)
}

// API routes recipe requests to the core services.
type API struct {
	totp        TOTPService
	keys        KeySource
	ready       func(ctx context.Context) error
	domain      string
	metricsPath string
	maxBodySize int64
	middleware  []transport.Middleware
	mux         *http.ServeMux
}

// APIOption configures an API.
type APIOption func(*API)

// WithKeySource serves the JWKS of each app at /recipe/jwt/jwks.
func WithKeySource(k KeySource) APIOption {
	return func(a *API) { a.keys = k }
}

// WithReadiness sets the readiness check behind /readyz.
func WithReadiness(fn func(ctx context.Context) error) APIOption {
	return func(a *API) { a.ready = fn }
}

// WithMetrics serves Prometheus metrics at path. An empty path disables
// the endpoint.
func WithMetrics(path string) APIOption {
	return func(a *API) { a.metricsPath = path }
}

// WithConnectionURIDomain sets the connection URI domain used when
// resolving tenants from request paths.
func WithConnectionURIDomain(domain string) APIOption {
	return func(a *API) { a.domain = domain }
}

// WithBodyLimit sets the maximum request body size.
func WithBodyLimit(n int64) APIOption {
	return func(a *API) { a.maxBodySize = n }
}

// WithMiddleware appends middleware to the default chain.
func WithMiddleware(mw ...transport.Middleware) APIOption {
	return func(a *API) { a.middleware = append(a.middleware, mw...) }
}

// NewAPI creates the HTTP API for the given TOTP service.
func NewAPI(svc TOTPService, opts ...APIOption) *API {
	a := &API{
		totp:        svc,
		maxBodySize: 1 << 20,
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("POST /recipe/totp/device", a.handleRegisterDevice)
	a.mux.HandleFunc("PUT /recipe/totp/device", a.handleUpdateDevice)
	a.mux.HandleFunc("POST /recipe/totp/device/import", a.handleImportDevice)
	a.mux.HandleFunc("POST /recipe/totp/device/verify", a.handleVerifyDevice)
	a.mux.HandleFunc("POST /recipe/totp/device/remove", a.handleRemoveDevice)
	a.mux.HandleFunc("GET /recipe/totp/device/list", a.handleListDevices)
	a.mux.HandleFunc("POST /recipe/totp/verify", a.handleVerifyCode)
	if a.keys != nil {
		a.mux.HandleFunc("GET /recipe/jwt/jwks", a.handleJWKS)
	}
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	a.mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metricsPath != "" {
		a.mux.Handle("GET "+a.metricsPath, promhttp.Handler())
	}
}

// Handler returns the API wrapped with the default middleware chain
// (recovery, request ID, logging) and any extra middleware.
func (a *API) Handler() http.Handler {
	chain := append([]transport.Middleware{
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(slog.Default()),
	}, a.middleware...)
	return transport.Chain(chain...)(a.resolveTenant(observability.MetricsMiddleware(a.mux)))
}

// resolveTenant strips the app and tenant prefix from the request path and
// stores the addressed tenant in the request context.
func (a *API) resolveTenant(next http.Handler) http.Handler {
	roots := []string{"/recipe", "/healthz", "/readyz"}
	if a.metricsPath != "" {
		roots = append(roots, a.metricsPath)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, rest, err := tenancy.ParsePath(a.domain, r.URL.Path, roots...)
		if err != nil {
			transport.WriteBadRequest(w, err.Error())
			return
		}
		r2 := r.WithContext(tenancy.WithTenant(r.Context(), tenant))
		u := new(url.URL)
		*u = *r.URL
		u.Path = rest
		u.RawPath = ""
		r2.URL = u
		next.ServeHTTP(w, r2)
	})
}

type registerDeviceRequest struct {
	UserID     string `json:"userId"`
	DeviceName string `json:"deviceName"`
	Skew       *int   `json:"skew"`
	Period     *int   `json:"period"`
}

type importDeviceRequest struct {
	UserID     string `json:"userId"`
	DeviceName string `json:"deviceName"`
	SecretKey  string `json:"secretKey"`
	Skew       *int   `json:"skew"`
	Period     *int   `json:"period"`
}

type verifyRequest struct {
	UserID     string `json:"userId"`
	DeviceName string `json:"deviceName"`
	TOTP       string `json:"totp"`
}

type updateDeviceRequest struct {
	UserID             string `json:"userId"`
	ExistingDeviceName string `json:"existingDeviceName"`
	NewDeviceName      string `json:"newDeviceName"`
}

type removeDeviceRequest struct {
	UserID     string `json:"userId"`
	DeviceName string `json:"deviceName"`
}

type deviceResponse struct {
	Status     string `json:"status"`
	DeviceName string `json:"deviceName,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

type attemptsResponse struct {
	Status          string `json:"status"`
	CurrentAttempts int    `json:"currentNumberOfFailedAttempts"`
	MaxAttempts     int    `json:"maxNumberOfFailedAttempts"`
	RetryAfterMs    int64  `json:"retryAfterMs,omitempty"`
}

type deviceInfo struct {
	Name     string `json:"name"`
	Period   int    `json:"period"`
	Skew     int    `json:"skew"`
	Verified bool   `json:"verified"`
}

type listDevicesResponse struct {
	Status  string       `json:"status"`
	Devices []deviceInfo `json:"devices"`
}

func (a *API) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	d, err := a.totp.RegisterDevice(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.DeviceName,
		valueOr(req.Skew, totp.DefaultSkew), valueOr(req.Period, totp.DefaultPeriod))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, deviceResponse{Status: totp.StatusOK, DeviceName: d.DeviceName, Secret: d.Secret})
}

func (a *API) handleImportDevice(w http.ResponseWriter, r *http.Request) {
	var req importDeviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.SecretKey == "" {
		transport.WriteBadRequest(w, "secretKey cannot be empty")
		return
	}
	d, err := a.totp.ImportDevice(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.DeviceName, req.SecretKey,
		valueOr(req.Skew, totp.DefaultSkew), valueOr(req.Period, totp.DefaultPeriod))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, deviceResponse{Status: totp.StatusOK, DeviceName: d.DeviceName})
}

func (a *API) handleVerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.DeviceName == "" {
		transport.WriteBadRequest(w, "deviceName cannot be empty")
		return
	}
	verified, err := a.totp.VerifyDevice(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.DeviceName, req.TOTP)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]any{
		"status":             totp.StatusOK,
		"wasAlreadyVerified": !verified,
	})
}

func (a *API) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.totp.VerifyCode(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.TOTP); err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteStatus(w, totp.StatusOK)
}

func (a *API) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req updateDeviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ExistingDeviceName == "" || req.NewDeviceName == "" {
		transport.WriteBadRequest(w, "existingDeviceName and newDeviceName cannot be empty")
		return
	}
	err := a.totp.UpdateDeviceName(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.ExistingDeviceName, req.NewDeviceName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteStatus(w, totp.StatusOK)
}

func (a *API) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	var req removeDeviceRequest
	if !a.decode(w, r, &req) {
		return
	}
	err := a.totp.RemoveDevice(r.Context(), tenancy.FromContext(r.Context()), req.UserID, req.DeviceName)
	if err != nil && !errors.Is(err, totp.ErrUnknownDevice) {
		a.writeError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         totp.StatusOK,
		"didDeviceExist": err == nil,
	})
}

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		transport.WriteBadRequest(w, "userId cannot be empty")
		return
	}
	devices, err := a.totp.ListDevices(r.Context(), tenancy.FromContext(r.Context()), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := listDevicesResponse{Status: totp.StatusOK, Devices: make([]deviceInfo, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, deviceInfo{Name: d.DeviceName, Period: d.Period, Skew: d.Skew, Verified: d.Verified})
	}
	transport.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	m, err := a.keys.SigningKeys(tenancy.FromContext(r.Context()).App())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := m.GetOrCreateLatest(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	set, err := m.JWKS(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, set)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	transport.WriteStatus(w, totp.StatusOK)
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			slog.Warn("readiness check failed", "error", err)
			transport.WriteJSON(w, http.StatusServiceUnavailable, transport.StatusBody{Status: "NOT_READY"})
			return
		}
	}
	transport.WriteStatus(w, totp.StatusOK)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := transport.DecodeJSON(w, r, a.maxBodySize, v); err != nil {
		transport.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// writeError reports recipe outcomes as 200 with a status body, invalid
// input as 400, and everything else as 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid *totp.InvalidCodeError
		limit   *totp.LimitReachedError
	)
	switch {
	case errors.As(err, &invalid):
		transport.WriteJSON(w, http.StatusOK, attemptsResponse{
			Status:          totp.StatusInvalidCode,
			CurrentAttempts: invalid.CurrentAttempts,
			MaxAttempts:     invalid.MaxAttempts,
		})
		return
	case errors.As(err, &limit):
		transport.WriteJSON(w, http.StatusOK, attemptsResponse{
			Status:          totp.StatusLimitReached,
			CurrentAttempts: limit.CurrentAttempts,
			MaxAttempts:     limit.MaxAttempts,
			RetryAfterMs:    limit.RetryAfter.Milliseconds(),
		})
		return
	case errors.Is(err, totp.ErrInvalidParameter):
		transport.WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, storage.ErrTenantOrAppNotFound):
		transport.WriteJSON(w, http.StatusBadRequest, transport.StatusBody{Status: "TENANT_OR_APP_NOT_FOUND"})
		return
	}
	if status := totp.StatusOf(err); status != "" {
		transport.WriteStatus(w, status)
		return
	}
	slog.Error("request failed",
		"request_id", transport.RequestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	transport.WriteServerError(w)
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
