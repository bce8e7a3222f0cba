package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
	"github.com/vnykmshr/gatekeep/pkg/lock"
	"github.com/vnykmshr/gatekeep/pkg/login"
	"github.com/vnykmshr/gatekeep/pkg/rules"
)

// TokenHeader carries the lock token on release and extend.
const TokenHeader = "X-Lock-Token"

const unavailableMessage = "service temporarily unavailable"

type lockRequest struct {
	Token   string `json:"token,omitempty"`
	TTL     string `json:"ttl,omitempty"`
	MaxWait string `json:"max_wait,omitempty"`
}

type lockResponse struct {
	Resource   string    `json:"resource"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTL        string    `json:"ttl"`
}

type rateResponse struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type loginResponse struct {
	Locked   bool `json:"locked"`
	Attempts int  `json:"attempts"`
}

type issueResponse struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

type validationResponse struct {
	OK       bool            `json:"ok"`
	Order    []string        `json:"order"`
	Cycles   [][]string      `json:"cycles"`
	Issues   []issueResponse `json:"issues"`
	Disabled []string        `json:"disabled"`
}

type evaluateRequest struct {
	Metrics map[string]float64 `json:"metrics"`
}

// actionErrorResponse names a failed action. The cause stays in the log.
type actionErrorResponse struct {
	RuleID string `json:"rule_id"`
	Action string `json:"action"`
}

type evaluateResponse struct {
	SnapshotID   string                `json:"snapshot_id"`
	Fired        []string              `json:"fired"`
	Scheduled    []string              `json:"scheduled"`
	ActionErrors []actionErrorResponse `json:"action_errors"`
	DurationMs   float64               `json:"duration_ms"`
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

// decode reads an optional JSON body into v. An empty body is not an error.
func decode(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, gferrors.NewValidationError("http", field, value, "not a duration")
	}
	return d, nil
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// fail maps err to a response. Store and internal detail is logged, never
// returned.
func (s *server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *gferrors.ValidationError
	switch {
	case errors.Is(err, gferrors.ErrStoreUnavailable):
		s.logger.Warn("store unavailable", zap.String("op", op), zap.Error(err))
		writeError(w, unavailableMessage, http.StatusServiceUnavailable)
	case errors.As(err, &verr):
		writeError(w, fmt.Sprintf("invalid %s: %s", verr.Field, verr.Reason), http.StatusBadRequest)
	case errors.Is(err, gferrors.ErrLockNotHeld):
		writeError(w, "lock not held", http.StatusConflict)
	case errors.Is(err, gferrors.ErrAcquireTimeout):
		writeError(w, "resource is locked", http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.String("op", op),
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeError(w, unavailableMessage, http.StatusServiceUnavailable)
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, map[string]string{"status": "unavailable"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func leaseResponse(l *lock.Lease) lockResponse {
	return lockResponse{
		Resource:   l.Resource,
		Token:      l.Token,
		AcquiredAt: l.AcquiredAt.UTC(),
		ExpiresAt:  l.ExpiresAt().UTC(),
		TTL:        l.TTL.String(),
	}
}

func (s *server) acquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	ttl, err := parseDuration("ttl", req.TTL)
	if err != nil {
		s.fail(w, r, "acquire", err)
		return
	}
	maxWait, err := parseDuration("max_wait", req.MaxWait)
	if err != nil {
		s.fail(w, r, "acquire", err)
		return
	}

	lease, err := s.coord.TryAcquireLock(r.Context(), chi.URLParam(r, "resource"), ttl, maxWait)
	if err != nil {
		s.fail(w, r, "acquire", err)
		return
	}
	writeJSON(w, leaseResponse(lease), http.StatusOK)
}

// token reads the lock token from TokenHeader or the request body.
func token(r *http.Request, req *lockRequest) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	return req.Token
}

func (s *server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if _, err := s.coord.ReleaseLock(r.Context(), chi.URLParam(r, "resource"), token(r, &req)); err != nil {
		s.fail(w, r, "release", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) extendLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}
	ttl, err := parseDuration("ttl", req.TTL)
	if err != nil {
		s.fail(w, r, "extend", err)
		return
	}

	resource := chi.URLParam(r, "resource")
	if _, err := s.coord.ExtendLock(r.Context(), resource, token(r, &req), ttl); err != nil {
		s.fail(w, r, "extend", err)
		return
	}
	writeJSON(w, map[string]string{"resource": resource, "status": "extended"}, http.StatusOK)
}

func (s *server) checkRate(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	identifier := chi.URLParam(r, "identifier")

	res, err := s.coord.CheckRate(r.Context(), identifier, category)
	if err != nil && !res.Allowed {
		s.fail(w, r, "ratelimit", err)
		return
	}
	if err != nil {
		s.logger.Warn("rate check failed open", zap.String("category", category), zap.Error(err))
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		writeJSON(w, map[string]interface{}{
			"error":    "too many requests",
			"reset_at": res.ResetAt.UTC(),
		}, http.StatusTooManyRequests)
		return
	}
	writeJSON(w, rateResponse{
		Allowed:   true,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt.UTC(),
	}, http.StatusOK)
}

// writeStatus answers with the lockout status, 429 when locked.
func writeStatus(w http.ResponseWriter, st login.Status) {
	if st.Locked {
		secs := retryAfterSeconds(st.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, fmt.Sprintf("retry after %d seconds", secs), http.StatusTooManyRequests)
		return
	}
	writeJSON(w, loginResponse{Locked: false, Attempts: st.Attempts}, http.StatusOK)
}

func (s *server) loginFailure(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.RecordLoginFailure(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.fail(w, r, "login_failure", err)
		return
	}
	writeStatus(w, st)
}

func (s *server) loginSuccess(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RecordLoginSuccess(r.Context(), chi.URLParam(r, "identifier")); err != nil {
		s.fail(w, r, "login_success", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) loginStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.coord.IsLocked(r.Context(), chi.URLParam(r, "identifier"))
	// A fail-open policy reports unlocked alongside the store error.
	if err != nil && (st.Locked || !errors.Is(err, gferrors.ErrStoreUnavailable)) {
		s.fail(w, r, "login_status", err)
		return
	}
	writeStatus(w, st)
}

func (s *server) rulesValidation(w http.ResponseWriter, _ *http.Request) {
	v := s.coord.ValidateRules()
	resp := validationResponse{
		OK:       v.OK(),
		Order:    nonNil(v.Order),
		Cycles:   v.Cycles,
		Issues:   make([]issueResponse, 0, len(v.Issues)),
		Disabled: nonNil(v.Disabled),
	}
	if resp.Cycles == nil {
		resp.Cycles = [][]string{}
	}
	for _, is := range v.Issues {
		resp.Issues = append(resp.Issues, issueResponse{RuleID: is.RuleID, Reason: is.Reason})
	}
	writeJSON(w, resp, http.StatusOK)
}

func (s *server) evaluateRules(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, "malformed request body", http.StatusBadRequest)
		return
	}

	var snap rules.Snapshot
	if len(req.Metrics) > 0 {
		snap = rules.NewSnapshot(req.Metrics, time.Now())
	} else {
		snap = s.coord.SampleSnapshot(r.Context())
	}

	ev, err := s.coord.EvaluateRules(r.Context(), snap)
	if err != nil {
		s.fail(w, r, "evaluate", err)
		return
	}

	resp := evaluateResponse{
		SnapshotID:   ev.SnapshotID,
		Fired:        nonNil(ev.Fired),
		Scheduled:    nonNil(ev.Scheduled),
		ActionErrors: make([]actionErrorResponse, 0, len(ev.ActionErrors)),
		DurationMs:   float64(ev.Duration) / float64(time.Millisecond),
	}
	for _, err := range ev.ActionErrors {
		var aerr *gferrors.ActionError
		if errors.As(err, &aerr) {
			resp.ActionErrors = append(resp.ActionErrors, actionErrorResponse{RuleID: aerr.RuleID, Action: aerr.Action})
			continue
		}
		resp.ActionErrors = append(resp.ActionErrors, actionErrorResponse{})
	}
	writeJSON(w, resp, http.StatusOK)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
