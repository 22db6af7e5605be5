package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"codegate/internal/audit"
	"codegate/internal/config"
	"codegate/internal/engine"
	"codegate/internal/lockout"
	"codegate/internal/monitor"
	"codegate/internal/storage"
	"codegate/internal/token"
)

// dummyHash is compared against when the email is unknown so login timing
// does not reveal which accounts exist.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type Handlers struct {
	engine   *engine.Engine
	tokens   *token.Service
	lockouts *lockout.Tracker
	auditor  *audit.Logger
	db       *storage.DB
	metrics  *monitor.Metrics
	users    map[string]string // email -> bcrypt hash
}

func NewHandlers(
	eng *engine.Engine,
	tokens *token.Service,
	lockouts *lockout.Tracker,
	auditor *audit.Logger,
	db *storage.DB,
	metrics *monitor.Metrics,
	users []config.UserConfig,
) *Handlers {
	userMap := make(map[string]string, len(users))
	for _, u := range users {
		userMap[u.Email] = u.PasswordHash
	}
	return &Handlers{
		engine:   eng,
		tokens:   tokens,
		lockouts: lockouts,
		auditor:  auditor,
		db:       db,
		metrics:  metrics,
		users:    userMap,
	}
}

// HandleLogin checks credentials and issues a bearer token. Locked accounts
// and bad credentials get the same response so the lockout state does not
// leak; the audit trail carries the distinction.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, "email and password are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.lockouts.IsLocked(req.Email) {
		noteAudit(r, audit.Event{
			Category:  audit.CategoryAuthFailure,
			Principal: req.Email,
			Detail:    "login attempt while locked",
			Severity:  audit.SeverityHigh,
		})
		h.metrics.RecordAuthFailure("locked")
		writeUnauthorized(w, r)
		return
	}

	hash, known := h.users[req.Email]
	compareAgainst := []byte(hash)
	if !known {
		compareAgainst = dummyHash
	}

	if err := bcrypt.CompareHashAndPassword(compareAgainst, []byte(req.Password)); err != nil || !known {
		locked := h.lockouts.RecordFailure(req.Email)
		if locked {
			h.metrics.LockoutsTotal.Inc()
			h.persistLockout(r, req.Email)
		}
		noteAudit(r, audit.Event{
			Category:  audit.CategoryAuthFailure,
			Principal: req.Email,
			Detail:    "bad credentials",
			Severity:  audit.SeverityMedium,
		})
		h.metrics.RecordAuthFailure("bad_credentials")
		writeUnauthorized(w, r)
		return
	}

	h.lockouts.RecordSuccess(req.Email)
	h.clearPersistedLockout(r, req.Email)

	tok, err := h.tokens.Issue(r.Context(), req.Email)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("token issue failed")
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	h.metrics.TokensIssuedTotal.Inc()

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     tok,
		TokenType: "Bearer",
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
	})
}

// HandleLogout revokes the presented token. Revoking an already revoked or
// expired token succeeds; logout is idempotent.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		writeUnauthorized(w, r)
		return
	}

	if err := h.tokens.Revoke(r.Context(), raw); err != nil {
		if errors.Is(err, token.ErrMalformed) || errors.Is(err, token.ErrInvalidSignature) {
			writeUnauthorized(w, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("revocation failed")
		writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	h.metrics.TokensRevokedTotal.Inc()

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// HandleExecute runs a snippet and returns its terminal result. Engine
// faults are retried once before surfacing as a 500 with a correlation id.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	job, ok := h.buildJob(w, r, req)
	if !ok {
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	result, err := h.engine.Submit(r.Context(), job)
	if err != nil && engine.IsInfrastructure(err) {
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("engine fault, retrying once")
		time.Sleep(100 * time.Millisecond)
		result, err = h.engine.Submit(r.Context(), job)
	}
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	h.metrics.RecordExecution(job.Language, string(result.Outcome), result.Elapsed.Seconds())
	h.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	for _, f := range result.Findings {
		h.metrics.ScanRejectsTotal.WithLabelValues(f.Pattern).Inc()
	}

	writeJSON(w, http.StatusOK, toExecuteResponse(result))
}

// HandleExecuteStream runs a snippet while streaming stdout/stderr as
// Server-Sent Events, then sends a final done event with the outcome.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	job, ok := h.buildJob(w, r, req)
	if !ok {
		return
	}

	stream := NewEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	result, err := h.engine.SubmitStreaming(r.Context(), job, stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		stream.Send("error", "execution failed")
		return
	}

	h.metrics.RecordExecution(job.Language, string(result.Outcome), result.Elapsed.Seconds())

	doneData, _ := json.Marshal(map[string]any{
		"id":        result.JobID,
		"outcome":   string(result.Outcome),
		"exit_code": result.ExitCode,
		"elapsed":   result.Elapsed.String(),
	})
	stream.Send("done", string(doneData))
}

// HandleGetExecution returns the stored terminal result for a job.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result, ok := h.engine.Result(id)
	if !ok {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, toExecuteResponse(result))
}

// HandleAuditEvents queries the audit trail. With a database the full stored
// history is searched; otherwise the in-memory ring answers.
func (h *Handlers) HandleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since, until time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "until must be RFC3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		until = t
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		limit = n
	}

	if h.db != nil {
		dbq := storage.AuditQuery{
			Category:  q.Get("category"),
			Principal: q.Get("principal"),
			Limit:     limit,
		}
		if !since.IsZero() {
			dbq.Since = &since
		}
		if !until.IsZero() {
			dbq.Until = &until
		}

		records, err := h.db.ListAuditEvents(r.Context(), dbq)
		if err != nil {
			log.Error().Err(err).Msg("audit query failed, falling back to buffer")
		} else {
			views := make([]AuditEventView, 0, len(records))
			for _, rec := range records {
				views = append(views, AuditEventView(rec))
			}
			writeJSON(w, http.StatusOK, AuditEventsResponse{Events: views, Count: len(views)})
			return
		}
	}

	events := h.auditor.Query(audit.Filter{
		Since:     since,
		Until:     until,
		Category:  audit.Category(q.Get("category")),
		Principal: q.Get("principal"),
		Limit:     limit,
	})

	views := make([]AuditEventView, 0, len(events))
	for _, e := range events {
		views = append(views, AuditEventView{
			Seq:       e.Seq,
			Time:      e.Time,
			Category:  string(e.Category),
			Principal: e.Principal,
			RequestID: e.RequestID,
			Detail:    e.Detail,
			Severity:  e.Severity.String(),
			Dropped:   e.Dropped,
		})
	}
	writeJSON(w, http.StatusOK, AuditEventsResponse{Events: views, Count: len(views)})
}

func (h *Handlers) buildJob(w http.ResponseWriter, r *http.Request, req ExecuteRequest) (engine.Job, bool) {
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return engine.Job{}, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return engine.Job{}, false
	}

	return engine.Job{
		Source:    req.Code,
		Language:  req.Language,
		Submitter: PrincipalFromContext(r.Context()),
		Limits: engine.Limits{
			MaxWallClock:   req.Timeout.Duration,
			MemoryMB:       req.Limits.MemoryMB,
			CPUShares:      req.Limits.CPUShares,
			PidsLimit:      req.Limits.PidsLimit,
			MaxOutputBytes: req.Limits.MaxOutputBytes,
		},
	}, true
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidJob), errors.Is(err, engine.ErrUnsupportedLang):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, engine.ErrJobInFlight):
		writeError(w, "job already in flight", "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, engine.ErrSaturated):
		w.Header().Set("Retry-After", "1")
		writeError(w, "engine saturated", "SATURATED", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) persistLockout(r *http.Request, principal string) {
	if h.db == nil {
		return
	}
	l := storage.Lockout{
		Principal:   principal,
		LockedUntil: h.lockouts.LockedUntil(principal),
	}
	if err := h.db.SaveLockout(r.Context(), l); err != nil {
		log.Warn().Err(err).Str("principal", principal).Msg("failed to persist lockout")
	}
}

func (h *Handlers) clearPersistedLockout(r *http.Request, principal string) {
	if h.db == nil {
		return
	}
	if err := h.db.ClearLockout(r.Context(), principal); err != nil {
		log.Warn().Err(err).Str("principal", principal).Msg("failed to clear persisted lockout")
	}
}

// decodeJSON decodes the request body, mapping an oversized body to 413 and
// anything else malformed to 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return err
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return err
	}
	return nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(c-'0')
		if n > 1<<30 {
			return 0, errors.New("too large")
		}
	}
	if n == 0 {
		return 0, errors.New("zero")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError writes the uniform error body and stages the request's audit
// event. An earlier, more specific note from the rejecting layer wins over
// this generic one.
func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	noteAudit(r, audit.Event{
		Category:  categoryForStatus(status),
		Principal: PrincipalFromContext(r.Context()),
		Detail:    code + ": " + msg,
		Severity:  severityForStatus(status),
	})
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

func categoryForStatus(status int) audit.Category {
	switch {
	case status == http.StatusUnauthorized:
		return audit.CategoryAuthFailure
	case status == http.StatusTooManyRequests:
		return audit.CategoryRateLimited
	case status >= 400 && status < 500:
		return audit.CategoryValidation
	default:
		return audit.CategoryRequestRejected
	}
}

func severityForStatus(status int) audit.Severity {
	switch {
	case status == http.StatusUnauthorized:
		return audit.SeverityMedium
	case status >= 500:
		return audit.SeverityHigh
	default:
		return audit.SeverityLow
	}
}
