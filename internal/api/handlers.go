package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"gitlab-metrics-service/internal/logging"
	"gitlab-metrics-service/internal/mergerequests"
	"gitlab-metrics-service/internal/models"
	"gitlab-metrics-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

const (
	headerToken     = "X-Gitlab-Token"
	headerEvent     = "X-Gitlab-Event"
	headerEventUUID = "X-Gitlab-Event-UUID"
)

type WebhookValidator interface {
	Validate(token, eventType string, payload []byte) (string, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload []byte, requestID string) error
}

type ReviewService interface {
	CanMerge(ctx context.Context, mrID int64) (models.ReviewRuleResult, error)
	Enforce(ctx context.Context, mrID int64) (bool, error)
	ReviewStatus(ctx context.Context, mrID int64) (string, error)
	AuthorizeEmergencyBypass(ctx context.Context, mrID, adminUserID int64, reason string) (models.EmergencyBypass, error)
	CalculateReviewCoverage(ctx context.Context, projectID int64, start, end time.Time) (models.ReviewCoverageStats, error)
}

type ReviewRecorder interface {
	AddCodeReview(ctx context.Context, mrID int64, in mergerequests.ReviewInput) (models.CodeReview, error)
}

type CommitStats interface {
	CommitStats(ctx context.Context, projectID int64, from, to time.Time) ([]models.DeveloperCommitStats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Validator       WebhookValidator
	Dispatcher      EventDispatcher
	Reviews         ReviewService
	Recorder        ReviewRecorder
	Commits         CommitStats
	Health          Pinger
	MaxPayloadBytes int64
}

type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.MaxPayloadBytes <= 0 {
		d.MaxPayloadBytes = 5 << 20
	}
	return &Handler{Deps: d, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Webhooks
	r.HandleFunc("/api/webhook/gitlab", h.receiveGitLab).Methods("POST")
	r.HandleFunc("/api/webhook/health", h.webhookHealth).Methods("GET")

	// Review rules
	rr := r.PathPrefix("/api/review-rules").Subrouter()
	rr.HandleFunc("/check-merge/{mrId}", h.checkMerge).Methods("GET")
	rr.HandleFunc("/enforce/{mrId}", h.enforce).Methods("POST")
	rr.HandleFunc("/emergency-bypass/{mrId}", h.emergencyBypass).Methods("POST")
	rr.HandleFunc("/coverage-stats", h.coverageStats).Methods("GET")
	rr.HandleFunc("/status/{mrId}", h.reviewStatus).Methods("GET")

	// Reviews and metrics
	r.HandleFunc("/api/merge-requests/{mrId}/reviews", h.addReview).Methods("POST")
	r.HandleFunc("/api/metrics/commits", h.commitStats).Methods("GET")

	// Health check
	r.HandleFunc("/health", h.health).Methods("GET")
}

// Helpers
func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	code, errorCode := classify(err)
	respondJSON(w, code, map[string]any{
		"error": map[string]string{
			"code":    errorCode,
			"message": err.Error(),
		},
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, models.ErrBypassDisabled):
		return http.StatusConflict, "BYPASS_DISABLED"
	case errors.Is(err, models.ErrUnsupportedEvent):
		return http.StatusBadRequest, "UNSUPPORTED_EVENT"
	case errors.Is(err, models.ErrMalformedPayload),
		errors.Is(err, models.ErrInvalidReview),
		errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(name + " must be a positive integer")
	}
	return id, nil
}

type requestError string

func (e requestError) Error() string { return string(e) }
func (e requestError) Unwrap() error { return models.ErrInvalidRequest }

func badRequest(msg string) error { return requestError(msg) }

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, badRequest("dates must be RFC 3339 or YYYY-MM-DD")
	}
	return t, nil
}

func (h *Handler) dateRange(r *http.Request) (int64, time.Time, time.Time, error) {
	q := r.URL.Query()
	projectID, err := strconv.ParseInt(q.Get("projectId"), 10, 64)
	if err != nil {
		return 0, time.Time{}, time.Time{}, badRequest("projectId is required")
	}
	now := h.now().UTC()
	end, err := parseDate(q.Get("endDate"), now)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	start, err := parseDate(q.Get("startDate"), end.AddDate(0, 0, -30))
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	return projectID, start, end, nil
}

// Webhook handlers

func (h *Handler) receiveGitLab(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(headerEventUUID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := logging.WithRequestID(r.Context(), requestID)
	ctx, span := telemetry.StartSpan(ctx, "webhook.receive", attribute.String("request_id", requestID))
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()
	log := logging.FromContext(ctx)

	fail := func(err error) {
		spanErr = err
		code, _ := classify(err)
		if code == http.StatusInternalServerError {
			log.Error("webhook failed", "error", err)
		} else {
			log.Warn("webhook rejected", "status", code, "error", err)
		}
		respondJSON(w, code, map[string]string{"status": "error", "message": err.Error(), "requestId": requestID})
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxPayloadBytes))
	if err != nil {
		fail(errors.Join(models.ErrMalformedPayload, err))
		return
	}

	eventType, err := h.Validator.Validate(r.Header.Get(headerToken), r.Header.Get(headerEvent), payload)
	if err != nil {
		fail(err)
		return
	}
	span.SetAttributes(attribute.String("event_type", eventType))

	if err := h.Dispatcher.Dispatch(ctx, eventType, payload, requestID); err != nil {
		fail(err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"message":   "Event queued for processing",
		"requestId": requestID,
	})
}

func (h *Handler) webhookHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "UP", "service": "gitlab-webhook"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "DOWN", "error": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Review rule handlers

func (h *Handler) checkMerge(w http.ResponseWriter, r *http.Request) {
	mrID, err := pathID(r, "mrId")
	if err != nil {
		respondError(w, err)
		return
	}
	res, err := h.Reviews.CanMerge(r.Context(), mrID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) enforce(w http.ResponseWriter, r *http.Request) {
	mrID, err := pathID(r, "mrId")
	if err != nil {
		respondError(w, err)
		return
	}
	ok, err := h.Reviews.Enforce(r.Context(), mrID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mergeRequestId": mrID, "canMerge": ok})
}

func (h *Handler) emergencyBypass(w http.ResponseWriter, r *http.Request) {
	mrID, err := pathID(r, "mrId")
	if err != nil {
		respondError(w, err)
		return
	}
	var in struct {
		AdminUserID int64  `json:"adminUserId"`
		Reason      string `json:"reason"`
	}
	if err := decode(r, &in); err != nil {
		respondError(w, badRequest("Invalid request body"))
		return
	}
	b, err := h.Reviews.AuthorizeEmergencyBypass(r.Context(), mrID, in.AdminUserID, in.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (h *Handler) coverageStats(w http.ResponseWriter, r *http.Request) {
	projectID, start, end, err := h.dateRange(r)
	if err != nil {
		respondError(w, err)
		return
	}
	stats, err := h.Reviews.CalculateReviewCoverage(r.Context(), projectID, start, end)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handler) reviewStatus(w http.ResponseWriter, r *http.Request) {
	mrID, err := pathID(r, "mrId")
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := h.Reviews.ReviewStatus(r.Context(), mrID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mergeRequestId": mrID, "status": status})
}

// Review and metrics handlers

func (h *Handler) addReview(w http.ResponseWriter, r *http.Request) {
	mrID, err := pathID(r, "mrId")
	if err != nil {
		respondError(w, err)
		return
	}
	var in mergerequests.ReviewInput
	if err := decode(r, &in); err != nil {
		respondError(w, badRequest("Invalid request body"))
		return
	}
	review, err := h.Recorder.AddCodeReview(r.Context(), mrID, in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, review)
}

func (h *Handler) commitStats(w http.ResponseWriter, r *http.Request) {
	projectID, start, end, err := h.dateRange(r)
	if err != nil {
		respondError(w, err)
		return
	}
	stats, err := h.Commits.CommitStats(r.Context(), projectID, start, end)
	if err != nil {
		respondError(w, err)
		return
	}
	if stats == nil {
		stats = []models.DeveloperCommitStats{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"projectId":  projectID,
		"startDate":  start,
		"endDate":    end,
		"developers": stats,
	})
}
