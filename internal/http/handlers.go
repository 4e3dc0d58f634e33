package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cashbook/internal/core"
	applog "cashbook/internal/log"
	"cashbook/internal/services"
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.now().Format(time.RFC3339),
		"uptime":    s.now().Sub(s.started).Round(time.Second).String(),
	})
}

// handleReady reports ready once the ledger has been loaded from the
// replica and the subscription is live.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.ledger.Status()
	ready := false
	switch st.State {
	case services.StateSynced, services.StateDirty, services.StateWriting:
		ready = true
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": s.now().Format(time.RFC3339),
		"checks": map[string]any{
			"sync":  st,
			"cache": s.overviewCache.Stats(),
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Status())
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleYears(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"years": core.AvailableYears(doc.Entries, s.now(), s.loc),
	})
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	year, month, err := s.parseYearMonth(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ov, err := s.overview(r, year, month)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// overview computes a month summary, served from cache while the document
// generation is unchanged.
func (s *Server) overview(r *http.Request, year int, month time.Month) (core.MonthOverview, error) {
	key := fmt.Sprintf("%d:%04d-%02d", s.generation.Load(), year, month)
	if ov, ok := s.overviewCache.Get(key); ok {
		slog.DebugContext(r.Context(), "Overview cache hit", applog.FieldYear, year, applog.FieldMonth, int(month))
		return ov, nil
	}

	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		return core.MonthOverview{}, err
	}
	ov := core.Overview(doc, year, month, s.loc)
	s.overviewCache.Set(key, ov)
	return ov, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := core.Export(doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", core.ExportFileName(s.now().In(s.loc))))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImport replaces the whole ledger with an uploaded backup.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		s.writeError(w, r, badRequest("import replaces the whole ledger; repeat the request with confirm=true"))
		return
	}
	data, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.ledger.Import(r.Context(), data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	slog.InfoContext(r.Context(), "Ledger imported", "entries", len(doc.Entries))
	writeJSON(w, http.StatusOK, doc)
}

// handleReset restores the default document.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !confirmed(r) {
		s.writeError(w, r, badRequest("reset deletes every entry; repeat the request with confirm=true"))
		return
	}
	if err := s.ledger.ResetToDefaults(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	slog.InfoContext(r.Context(), "Ledger reset to defaults")
	s.handleDocument(w, r)
}
