package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"formgate/api/internal/auth"
	"formgate/api/internal/logging"
	"formgate/api/internal/mirror"
	"formgate/api/internal/rbac"
	"formgate/api/internal/search"
	"formgate/api/internal/store"
	"formgate/api/internal/versioning"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	tokens     *auth.Verifier
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, tokens *auth.Verifier) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		tokens:     tokens,
		log:        logging.Component("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if s.tokens != nil && s.tokens.Enabled() {
		if err := s.tokens.VerifyHeader(r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
	}

	actor := actorFromRequest(r)
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "entities":
		if len(parts) >= 5 {
			ref := store.EntityRef{Type: store.EntityType(parts[2]), ID: parts[3]}
			s.handleEntity(w, r, actor, ref, parts[4], parts[5:])
			return
		}
	case "versions":
		if len(parts) >= 3 {
			s.handleVersion(w, r, actor, parts[2], parts[3:])
			return
		}
	case "approvals":
		s.handleApprovals(w, r, actor, parts[2:])
		return
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r, actor)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleEntity(w http.ResponseWriter, r *http.Request, actor Actor, ref store.EntityRef, resource string, rest []string) {
	if resource == "publications" && len(rest) == 1 && r.Method == http.MethodGet {
		snapshot, err := s.service.PublicationSnapshot(r.Context(), actor, ref, rest[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revision": rest[0], "dataSnapshot": snapshot})
		return
	}
	if len(rest) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case resource == "versions" && r.Method == http.MethodGet:
		versions, err := s.service.ListVersions(r.Context(), actor, ref)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(versions))
		for _, v := range versions {
			items = append(items, versionJSON(v, false))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case resource == "versions" && r.Method == http.MethodPost:
		var body CreateVersionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateVersion(r.Context(), actor, ref, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		payload := map[string]any{"version": versionJSON(result.Version, true)}
		if result.Approval != nil {
			payload["approval"] = approvalJSON(*result.Approval)
		}
		writeJSON(w, http.StatusCreated, payload)

	case resource == "published" && r.Method == http.MethodGet:
		published, err := s.service.GetPublished(r.Context(), actor, ref)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		if published == nil {
			writeError(w, http.StatusNotFound, "NOT_PUBLISHED", "No published version", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": versionJSON(*published, true)})

	case resource == "unpublish" && r.Method == http.MethodPost:
		takenDown, err := s.service.Unpublish(r.Context(), actor, ref)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		payload := map[string]any{"unpublished": takenDown != nil, "version": nil}
		if takenDown != nil {
			payload["version"] = versionJSON(*takenDown, false)
		}
		writeJSON(w, http.StatusOK, payload)

	case resource == "restore" && r.Method == http.MethodPost:
		var body RestoreInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		restored, err := s.service.RestoreVersion(r.Context(), actor, ref, body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"version": versionJSON(restored, true)})

	case resource == "publications" && r.Method == http.MethodGet:
		limit, err := queryLimit(r, 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.Publications(r.Context(), actor, ref, limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request, actor Actor, versionID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		version, err := s.service.GetVersion(r.Context(), actor, versionID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": versionJSON(version, true)})

	case len(rest) == 1 && rest[0] == "approvals" && r.Method == http.MethodGet:
		approvals, err := s.service.ListApprovalsForVersion(r.Context(), actor, versionID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": approvalsJSON(approvals)})

	case len(rest) == 1 && rest[0] == "approvals" && r.Method == http.MethodPost:
		var body struct {
			WorkflowConfig json.RawMessage `json:"workflowConfig"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		approval, err := s.service.OpenApproval(r.Context(), actor, versionID, body.WorkflowConfig)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"approval": approvalJSON(approval)})

	case len(rest) == 1 && rest[0] == "publish" && r.Method == http.MethodPost:
		outcome, err := s.service.Publish(r.Context(), actor, versionID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":          versionJSON(outcome.Version, false),
			"changed":          outcome.Changed,
			"demotedVersionId": nilIfBlank(outcome.DemotedVersionID),
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleApprovals(w http.ResponseWriter, r *http.Request, actor Actor, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		entityType := store.EntityType(strings.TrimSpace(r.URL.Query().Get("entityType")))
		approvals, err := s.service.ListPendingApprovals(r.Context(), actor, entityType)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": approvalsJSON(approvals)})

	case len(rest) == 1 && r.Method == http.MethodGet:
		approval, err := s.service.GetApproval(r.Context(), actor, rest[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approval": approvalJSON(approval)})

	case len(rest) == 2 && rest[1] == "review" && r.Method == http.MethodPost:
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.ReviewApproval(r.Context(), actor, rest[0], body)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"approval":         approvalJSON(outcome.Approval),
			"version":          versionJSON(outcome.Version, false),
			"published":        outcome.Published,
			"demotedVersionId": nilIfBlank(outcome.DemotedVersionID),
		})

	case len(rest) == 2 && rest[1] == "withdraw" && r.Method == http.MethodPost:
		approval, err := s.service.WithdrawApproval(r.Context(), actor, rest[0])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approval": approvalJSON(approval)})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor Actor) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	query := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		EntityType: store.EntityType(strings.TrimSpace(r.URL.Query().Get("entityType"))),
		Limit:      limit,
	}
	response, err := s.service.Search(r.Context(), actor, query)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		reqLog := s.log.With().Str("request_id", requestID).Logger()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = logging.WithContext(ctx, reqLog)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		reqLog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("actor", r.Header.Get(headerActorID)).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Actor-ID, X-Actor-Role")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func actorFromRequest(r *http.Request) Actor {
	return Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
		Role: rbac.Normalize(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole)))),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 200 {
		return 0, fmt.Errorf("limit must be between 1 and 200")
	}
	return limit, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, versioning.ErrConcurrentVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", err.Error(), nil
	case errors.Is(err, versioning.ErrDuplicatePendingApproval):
		return http.StatusConflict, "DUPLICATE_PENDING_APPROVAL", err.Error(), nil
	case errors.Is(err, versioning.ErrNotPending):
		return http.StatusConflict, "NOT_PENDING", err.Error(), nil
	case errors.Is(err, versioning.ErrNotApproved):
		return http.StatusConflict, "NOT_APPROVED", err.Error(), nil
	case errors.Is(err, versioning.ErrVersionNotDraft):
		return http.StatusConflict, "VERSION_NOT_DRAFT", err.Error(), nil
	case errors.Is(err, versioning.ErrEntityMismatch):
		return http.StatusUnprocessableEntity, "ENTITY_MISMATCH", err.Error(), nil
	case errors.Is(err, versioning.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, versioning.ErrSelfReview):
		return http.StatusForbidden, "SELF_REVIEW", err.Error(), nil
	case errors.Is(err, versioning.ErrVersionNotFound):
		return http.StatusNotFound, "VERSION_NOT_FOUND", err.Error(), nil
	case errors.Is(err, versioning.ErrApprovalNotFound):
		return http.StatusNotFound, "APPROVAL_NOT_FOUND", err.Error(), nil
	case errors.Is(err, mirror.ErrRevisionNotFound):
		return http.StatusNotFound, "REVISION_NOT_FOUND", "Publication revision not found", nil
	case errors.Is(err, mirror.ErrNoSnapshot):
		return http.StatusNotFound, "NOT_PUBLISHED", "Revision records a takedown", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func versionJSON(v store.EntityVersion, withSnapshot bool) map[string]any {
	payload := map[string]any{
		"id":             v.ID,
		"entityType":     v.EntityType,
		"entityId":       v.EntityID,
		"versionNumber":  v.VersionNumber,
		"changeSummary":  v.ChangeSummary,
		"approvalStatus": v.ApprovalStatus,
		"isPublished":    v.IsPublished,
		"createdBy":      v.CreatedBy,
		"createdAt":      v.CreatedAt,
		"approvedBy":     nilIfBlank(v.ApprovedBy),
		"approvedAt":     v.ApprovedAt,
	}
	if withSnapshot {
		payload["dataSnapshot"] = v.DataSnapshot
	}
	return payload
}

func approvalJSON(a store.WorkflowApproval) map[string]any {
	payload := map[string]any{
		"id":          a.ID,
		"entityType":  a.EntityType,
		"entityId":    a.EntityID,
		"versionId":   a.VersionID,
		"requestedBy": a.RequestedBy,
		"requestedAt": a.RequestedAt,
		"status":      a.Status,
		"reviewNotes": nilIfBlank(a.ReviewNotes),
		"reviewedBy":  nilIfBlank(a.ReviewedBy),
		"reviewedAt":  a.ReviewedAt,
	}
	if len(a.WorkflowConfig) > 0 {
		payload["workflowConfig"] = a.WorkflowConfig
	} else {
		payload["workflowConfig"] = nil
	}
	return payload
}

func approvalsJSON(approvals []store.WorkflowApproval) []map[string]any {
	items := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		items = append(items, approvalJSON(a))
	}
	return items
}

func nilIfBlank(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
