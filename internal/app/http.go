package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sheetbridge/internal/auth"
	"sheetbridge/internal/config"
)

type HTTPServer struct {
	service    *Service
	extractor  auth.Extractor
	corsOrigin string
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{
		service: service,
		extractor: auth.Extractor{
			Secret: service.cfg.JWTSecret,
			Strict: service.cfg.VerifyMode == config.VerifyStrict,
		},
		corsOrigin: service.cfg.CORSOrigin,
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

	// Liveness probe.
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/" {
		writeJSON(w, http.StatusOK, map[string]any{"message": "sheetbridge API is running"})
		return
	}

	// Unauthenticated routes: the manual scheduler trigger runs as a trusted
	// internal job and the store probe exists for deploy-time diagnostics.
	if r.Method == http.MethodPost && r.URL.Path == "/run-scheduler" {
		if err := s.service.ScheduledPass(r.Context()); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Scheduler executed manually"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/debug/store" {
		writeJSON(w, http.StatusOK, s.service.DebugStore(r.Context()))
		return
	}

	// Everything below is gated on bearer claims.
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/sync-sheet":
		s.handleSyncSheet(w, r, claims)
	case r.Method == http.MethodPost && r.URL.Path == "/agent-query":
		s.handleAgentQuery(w, r, claims)
	case r.Method == http.MethodGet && r.URL.Path == "/rows":
		s.handleRows(w, r, claims)
	case r.Method == http.MethodPost && r.URL.Path == "/run-agent":
		s.handleRunAgent(w, r, claims)
	case r.Method == http.MethodPost && r.URL.Path == "/seed-mock-data":
		s.handleSeedMockData(w, r, claims)
	case r.Method == http.MethodGet && r.URL.Path == "/search":
		s.handleSearch(w, r, claims)
	case r.Method == http.MethodGet && r.URL.Path == "/debug/env":
		writeJSON(w, http.StatusOK, s.service.DebugEnv())
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSyncSheet(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var body struct {
		SourceID  string `json:"source_id"`
		SheetName string `json:"sheet_name"`
		TenantID  string `json:"tenant_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.SourceID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "source_id is required", nil)
		return
	}

	tenantID := body.TenantID
	if tenantID == "" {
		tenantID = claims.TenantID
	}

	inserted, err := s.service.SyncSheet(r.Context(), tenantID, body.SourceID, body.SheetName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "inserted": inserted})
}

func (s *HTTPServer) handleAgentQuery(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "prompt is required", nil)
		return
	}

	answer, err := s.service.AgentQuery(r.Context(), claims.TenantID, body.Prompt)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer, "tenant_id": claims.TenantID})
}

func (s *HTTPServer) handleRows(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	rows, err := s.service.Rows(r.Context(), claims.TenantID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (s *HTTPServer) handleRunAgent(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	results, err := s.service.RunTasks(r.Context(), claims.TenantID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "processed": len(results), "results": results})
}

func (s *HTTPServer) handleSeedMockData(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	inserted, err := s.service.SeedMockData(r.Context(), claims.TenantID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "inserted": inserted})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	hits, err := s.service.SearchRows(r.Context(), claims.TenantID, query, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": hits})
}

// requireClaims gates a route on the Authorization header. No collaborator
// runs before this check. Missing or malformed credentials answer 401; a
// decodable token without a tenant claim answers 403.
func (s *HTTPServer) requireClaims(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := s.extractor.FromHeader(r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, auth.ErrMissingTenant) {
			writeError(w, http.StatusForbidden, "NO_TENANT", "Token missing tenant_id claim", nil)
			return auth.Claims{}, false
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, ErrRunInProgress) {
		return http.StatusConflict, "RUN_IN_PROGRESS", "A task run for this tenant is already in progress", nil
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	}
	if errors.Is(err, auth.ErrMissingTenant) {
		return http.StatusForbidden, "NO_TENANT", "Token missing tenant_id claim", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
