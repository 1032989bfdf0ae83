package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/auth"
	"agent-exec-sandbox/internal/lang"
	"agent-exec-sandbox/internal/monitor"
	"agent-exec-sandbox/internal/orchestrator"
	"agent-exec-sandbox/internal/sandbox"
	"agent-exec-sandbox/internal/security"
)

type Handlers struct {
	orch      *orchestrator.Orchestrator
	validator *security.Validator
	langs     *lang.Registry
	metrics   *monitor.Metrics

	maxTimeout time.Duration
}

// NewHandlers wires the API surface. A nil orchestrator puts the service
// in validate-only mode: static checks keep working while execution and
// sandbox endpoints answer 503.
func NewHandlers(orch *orchestrator.Orchestrator, validator *security.Validator, langs *lang.Registry, metrics *monitor.Metrics, maxTimeout time.Duration) *Handlers {
	if maxTimeout <= 0 {
		maxTimeout = 3600 * time.Second
	}
	return &Handlers{
		orch:       orch,
		validator:  validator,
		langs:      langs,
		metrics:    metrics,
		maxTimeout: maxTimeout,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Timeout.Duration < 0 || req.Timeout.Duration > h.maxTimeout {
		writeError(w, "timeout out of range", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Limits != nil {
		if err := req.Limits.Validate(); err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	network, err := parseNetwork(req.Network)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	// Bridged egress is a trust decision, not a request parameter.
	if network == sandbox.NetworkBridge && identity.Tier < security.TierTrusted {
		writeError(w, "network access requires the trusted tier", "FORBIDDEN", http.StatusForbidden, r)
		return
	}

	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	record, err := h.orch.Execute(r.Context(), orchestrator.Request{
		Owner:        identity.CallerID,
		Tier:         identity.Tier,
		Code:         req.Code,
		Language:     req.Language,
		Input:        req.Input,
		Dependencies: req.Dependencies,
		Timeout:      req.Timeout.Duration,
		TaskID:       req.TaskID,
		SandboxID:    req.SandboxID,
		Limits:       req.Limits,
		Network:      network,
	})
	if err != nil {
		h.writeExecuteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrCapacity):
		w.Header().Set("Retry-After", "5")
		writeError(w, err.Error(), "CAPACITY", http.StatusTooManyRequests, r)
	case errors.Is(err, sandbox.ErrBusy):
		writeError(w, err.Error(), "SANDBOX_BUSY", http.StatusConflict, r)
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, sandbox.ErrNotReady):
		writeError(w, err.Error(), "SANDBOX_UNAVAILABLE", http.StatusNotFound, r)
	case errors.Is(err, lang.ErrUnsupported):
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrInvalidConfig):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrRuntimeDown):
		writeError(w, "container runtime unavailable", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return
	}

	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" || req.Code == "" {
		writeError(w, "language and code are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	// Validation works even when the runtime is down.
	var result security.CheckResult
	if h.orch != nil {
		result = h.orch.Validate(req.Code, req.Language, identity.Tier)
	} else {
		result = h.validator.Validate(req.Code, req.Language, identity.Tier)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	id := r.PathValue("id")
	record, ok := h.orch.Get(id)
	if !ok || !canSee(identity, record.Owner) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	owner := identity.CallerID
	if identity.Tier >= security.TierPrivileged {
		owner = r.URL.Query().Get("owner")
	}
	records := h.orch.List(owner, orchestrator.Status(r.URL.Query().Get("status")))
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	id := r.PathValue("id")
	record, ok := h.orch.Get(id)
	if !ok || !canSee(identity, record.Owner) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if !h.orch.Cancel(id) {
		writeError(w, "execution already finished", "ALREADY_TERMINAL", http.StatusConflict, r)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "id": id})
}

func (h *Handlers) HandleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
		return
	}
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	var req SandboxCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	language, err := h.langs.Get(req.Language)
	if err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return
	}
	network, err := parseNetwork(req.Network)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if network == sandbox.NetworkBridge && identity.Tier < security.TierTrusted {
		writeError(w, "network access requires the trusted tier", "FORBIDDEN", http.StatusForbidden, r)
		return
	}
	limits := sandbox.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}

	sb, err := h.orch.Sandboxes().Create(r.Context(), identity.CallerID, language.Image(), sandbox.Config{
		Language:   language.Name(),
		Limits:     limits,
		Network:    network,
		Persistent: true,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidConfig) {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		writeError(w, "sandbox provisioning failed", "RUNNER_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	writeJSON(w, http.StatusCreated, toSandboxResponse(sb))
}

func (h *Handlers) HandleListSandboxes(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	owner := identity.CallerID
	if identity.Tier >= security.TierPrivileged {
		owner = r.URL.Query().Get("owner")
	}
	status := sandbox.Status(r.URL.Query().Get("status"))

	sandboxes := h.orch.Sandboxes().List(owner, status)
	out := make([]SandboxResponse, 0, len(sandboxes))
	for _, sb := range sandboxes {
		out = append(out, toSandboxResponse(sb))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	if h.orch == nil {
		writeError(w, "execution unavailable, validate-only mode", "DEGRADED", http.StatusServiceUnavailable, r)
		return
	}

	id := r.PathValue("id")
	if sb, ok := h.orch.Sandboxes().Get(id); ok {
		// Destroying someone else's sandbox is a privileged operation.
		if sb.Owner != identity.CallerID && identity.Tier < security.TierPrivileged {
			writeError(w, "sandbox not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
	}

	// Idempotent: unknown and already-destroyed ids succeed too.
	h.orch.Sandboxes().Destroy(r.Context(), id, "api request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "id": id})
}

// canSee gates record visibility: callers see their own executions, the
// privileged tier sees everything.
func canSee(identity auth.Identity, owner string) bool {
	return identity.Tier >= security.TierPrivileged || identity.CallerID == owner
}

func parseNetwork(s string) (sandbox.NetworkMode, error) {
	switch s {
	case "", "none":
		return sandbox.NetworkNone, nil
	case "bridge":
		return sandbox.NetworkBridge, nil
	default:
		return "", errors.New(`network must be "none" or "bridge"`)
	}
}

func toSandboxResponse(sb sandbox.Sandbox) SandboxResponse {
	return SandboxResponse{
		ID:        sb.ID,
		Owner:     sb.Owner,
		Language:  sb.Config.Language,
		Status:    string(sb.Status),
		Network:   string(sb.Config.Network),
		Limits:    sb.Config.Limits,
		CreatedAt: sb.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
