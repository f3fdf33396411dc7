package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kairos/internal/auth"
	"github.com/ashita-ai/kairos/internal/ctxutil"
	"github.com/ashita-ai/kairos/internal/heartbeat"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/scoring"
	"github.com/ashita-ai/kairos/internal/service/queuehealth"
	"github.com/ashita-ai/kairos/internal/service/tasks"
	"github.com/ashita-ai/kairos/internal/storage"
	"github.com/ashita-ai/kairos/internal/timing"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	tasks               *tasks.Service
	monitor             *heartbeat.Monitor
	queueHealth         *queuehealth.Service
	engine              *scoring.Engine
	bandit              *timing.Bandit
	scheduler           *timing.Scheduler
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Tasks               *tasks.Service
	Monitor             *heartbeat.Monitor
	QueueHealth         *queuehealth.Service
	Engine              *scoring.Engine
	Bandit              *timing.Bandit
	Scheduler           *timing.Scheduler
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		tasks:               d.Tasks,
		monitor:             d.Monitor,
		queueHealth:         d.QueueHealth,
		engine:              d.Engine,
		bandit:              d.Bandit,
		scheduler:           d.Scheduler,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	acct, err := h.db.GetServiceAccount(r.Context(), req.ServiceID)
	if err != nil || acct.APIKeyHash == nil {
		// Burn the same time as a real verification so unknown service IDs
		// are indistinguishable from wrong keys.
		auth.DummyVerify()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeStoreError(w, r, "failed to look up service account", err)
			return
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *acct.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(acct)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued", "service_id", acct.ServiceID, "role", acct.Role,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateServiceAccount handles POST /v1/service-accounts (admin-only).
// The API key is returned exactly once; only its hash is stored.
func (h *Handlers) HandleCreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req model.CreateServiceAccountRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateServiceID(req.ServiceID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = model.RoleService
	}
	if model.RoleRank(req.Role) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"invalid role: must be one of admin, service, reader")
		return
	}

	acct, key, err := CreateServiceAccount(r.Context(), h.db, req)
	if err != nil {
		if isDuplicateKeyError(err) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "service_id already exists")
			return
		}
		h.writeStoreError(w, r, "failed to create service account", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateServiceAccountResponse{
		ServiceAccount: acct,
		APIKey:         key,
	})
}

// CreateServiceAccount hashes (or generates) the API key and stores the
// account. It returns the plaintext key for one-time display.
func CreateServiceAccount(ctx context.Context, db *storage.DB, req model.CreateServiceAccountRequest) (model.ServiceAccount, string, error) {
	key := req.APIKey
	if key == "" {
		generated, err := auth.GenerateAPIKey()
		if err != nil {
			return model.ServiceAccount{}, "", err
		}
		key = generated
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return model.ServiceAccount{}, "", err
	}
	acct, err := db.CreateServiceAccount(ctx, model.ServiceAccount{
		ServiceID:  req.ServiceID,
		Role:       req.Role,
		APIKeyHash: &hash,
	})
	if err != nil {
		return model.ServiceAccount{}, "", err
	}
	return acct, key, nil
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if pgStatus == "connected" {
		if n, err := h.db.CountPending(r.Context()); err == nil {
			resp.Pending = n
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the initial admin service account if none exist.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	count, err := h.db.CountServiceAccounts(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count service accounts: %w", err)
	}
	if count > 0 {
		h.logger.Info("service accounts exist, skipping admin seed", "existing", count)
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: KAIROS_ADMIN_API_KEY is empty and no service accounts exist; set it to bootstrap initial admin access")
	}

	_, _, err = CreateServiceAccount(ctx, h.db, model.CreateServiceAccountRequest{
		ServiceID: "admin",
		Role:      model.RoleAdmin,
		APIKey:    adminAPIKey,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create service account: %w", err)
	}

	h.logger.Info("seeded initial admin service account")
	return nil
}

// --- Shared helpers ---

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStoreError maps service and storage errors to status codes.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidInput), errors.Is(err, scoring.ErrUnknownMetric):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrTaskTerminal):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "task already finished")
	case errors.Is(err, storage.ErrStoreUnavailable):
		h.logger.Warn(msg, "error", err, "request_id", ctxutil.RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "store unavailable, retry later")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// isDuplicateKeyError checks if a Postgres error is a unique_violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryFloat parses an optional float query parameter.
func queryFloat(r *http.Request, key string, defaultVal float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: expected a number", key)
	}
	return f, nil
}
