package http

import (
	"net/http"
	"strings"
	"time"

	"cashbook/internal/core"
)

// entryRequest is the body of entry create and update requests. The date
// is either a millisecond timestamp or a YYYY-MM-DD day in the server's
// timezone; neither means now on create and unchanged on update.
type entryRequest struct {
	Type      core.EntryType `json:"type"`
	Amount    core.Amount    `json:"amount"`
	Category  string         `json:"category"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Date      string         `json:"date,omitempty"`
}

// entry converts the request; ok is false when it carries no date.
func (req entryRequest) entry(loc *time.Location) (e core.Entry, ok bool, err error) {
	e = core.Entry{
		Type:     core.EntryType(strings.ToLower(strings.TrimSpace(string(req.Type)))),
		Amount:   req.Amount,
		Category: strings.TrimSpace(req.Category),
	}
	switch {
	case req.Date != "" && req.Timestamp != nil:
		return core.Entry{}, false, badRequest("give either date or timestamp, not both")
	case req.Date != "":
		day, err := time.ParseInLocation("2006-01-02", req.Date, loc)
		if err != nil {
			return core.Entry{}, false, badRequest("invalid date %q: expected YYYY-MM-DD", req.Date)
		}
		e.Timestamp = day.UnixMilli()
	case req.Timestamp != nil:
		e.Timestamp = *req.Timestamp
	default:
		return e, false, nil
	}
	return e, true, nil
}

type labelRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, dated, err := req.entry(s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !dated {
		e.Timestamp = s.now().UnixMilli()
	}
	created, err := s.ledger.AddEntry(r.Context(), e)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	w.Header().Set("Location", "/api/entries/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, dated, err := req.entry(s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e.ID = r.PathValue("id")

	if !dated {
		doc, err := s.ledger.Document(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		e.Timestamp = s.now().UnixMilli()
		for _, existing := range doc.Entries {
			if existing.ID == e.ID {
				e.Timestamp = existing.Timestamp
				break
			}
		}
	}

	if err := s.ledger.UpsertEntry(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteEntry(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req labelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.AddCategory(r.Context(), kind, req.Label); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeLabels(w, r, http.StatusCreated, kind)
}

func (s *Server) handleRenameCategory(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req labelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.RenameCategory(r.Context(), kind, r.PathValue("label"), req.Label); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	s.writeLabels(w, r, http.StatusOK, kind)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.DeleteCategory(r.Context(), kind, r.PathValue("label")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLabels(w http.ResponseWriter, r *http.Request, status int, kind core.EntryType) {
	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"kind":   kind,
		"labels": doc.Labels(kind),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch core.SettingsPatch
	if err := s.decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.UpdateSettings(r.Context(), patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.invalidate()
	doc, err := s.ledger.Document(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Settings)
}
