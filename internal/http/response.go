package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cashbook/internal/core"
	"cashbook/internal/services"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// statusFor maps an error to the HTTP status the API reports for it.
func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindDuplicate, core.KindReferentialIntegrity:
		return http.StatusConflict
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindImportFormat:
		return http.StatusUnprocessableEntity
	case core.KindSyncWrite, core.KindSyncSubscription:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, services.ErrNotSignedIn), errors.Is(err, services.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(core.KindOf(err))}
	if status >= 500 && status != http.StatusServiceUnavailable {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeJSON reads a single JSON value from the request body.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return badRequest("request body is empty")
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// readBody returns the raw request body within the size limit.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
}

// parseYearMonth reads year and month from the query, defaulting to the
// current month in the server's location.
func (s *Server) parseYearMonth(r *http.Request) (int, time.Month, error) {
	now := s.now().In(s.loc)
	year, month := now.Year(), now.Month()

	if v := strings.TrimSpace(r.URL.Query().Get("year")); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil || y < 1 || y > 9999 {
			return 0, 0, badRequest("invalid year %q", v)
		}
		year = y
	}
	if v := strings.TrimSpace(r.URL.Query().Get("month")); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			return 0, 0, badRequest("invalid month %q: must be between 1 and 12", v)
		}
		month = time.Month(m)
	}
	return year, month, nil
}

// parseKind reads the {kind} path value: "expense" or "income".
func parseKind(r *http.Request) (core.EntryType, error) {
	kind := core.EntryType(strings.ToLower(r.PathValue("kind")))
	if !kind.Valid() {
		return "", badRequest("unknown kind %q: must be expense or income", r.PathValue("kind"))
	}
	return kind, nil
}

// confirmed reports whether a destructive request carries confirm=true.
func confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}
