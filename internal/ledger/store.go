// Package ledger holds the in-memory ledger document and the mutations
// that keep its invariants.
//
// A Store is not safe for concurrent use. It is owned by a single
// goroutine, the sync coordinator's event loop, and mutations never
// perform I/O: persistence is scheduled by the caller.
package ledger

import (
	"fmt"
	"strings"

	"cashbook/internal/core"
)

// Mutation is a single change applied to a store. Mutations are kept by
// the coordinator until a write carrying them is confirmed, so they can be
// replayed on top of a newer remote document.
type Mutation func(s *Store) error

// Store holds the authoritative in-memory document.
type Store struct {
	doc core.Document
}

// New returns a store holding the default document.
func New() *Store {
	return &Store{doc: core.DefaultDocument()}
}

// NewFromDocument returns a store holding a normalized copy of doc.
func NewFromDocument(doc core.Document) *Store {
	return &Store{doc: core.Normalize(doc.Clone())}
}

// Document returns a deep copy of the current document.
func (s *Store) Document() core.Document {
	return s.doc.Clone()
}

// Entries returns a copy of the current entries.
func (s *Store) Entries() []core.Entry {
	return append([]core.Entry(nil), s.doc.Entries...)
}

// Entry looks up an entry by id.
func (s *Store) Entry(id string) (core.Entry, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.doc.Entries[i], true
	}
	return core.Entry{}, false
}

// UpsertEntry inserts e when its id is new and replaces it in place otherwise.
func (s *Store) UpsertEntry(e core.Entry) error {
	const op = "upsert entry"
	if err := e.Validate(); err != nil {
		return core.NewError(core.KindValidation, op, "", err)
	}
	if !s.doc.HasLabel(e.Type, e.Category) {
		return core.NewError(core.KindValidation, op, fmt.Sprintf("%q is not a %s category", e.Category, e.Type), core.ErrUnknownCategory)
	}
	if i := s.indexOf(e.ID); i >= 0 {
		s.doc.Entries[i] = e
		return nil
	}
	s.doc.Entries = append(s.doc.Entries, e)
	return nil
}

// DeleteEntry removes the entry with the given id. Unknown ids are ignored.
func (s *Store) DeleteEntry(id string) error {
	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	s.doc.Entries = append(s.doc.Entries[:i:i], s.doc.Entries[i+1:]...)
	return nil
}

// AddCategory appends label to the label set of kind.
func (s *Store) AddCategory(kind core.EntryType, label string) error {
	const op = "add category"
	if !kind.Valid() {
		return core.NewError(core.KindValidation, op, "", core.ErrInvalidEntryType)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return core.NewError(core.KindValidation, op, "", core.ErrEmptyLabel)
	}
	if s.doc.HasLabel(kind, label) {
		return core.NewError(core.KindDuplicate, op, fmt.Sprintf("%s %q already exists", labelNoun(kind), label), nil)
	}
	s.setLabels(kind, append(s.doc.Labels(kind), label))
	return nil
}

// AddIncomeType appends label to the income types.
func (s *Store) AddIncomeType(label string) error {
	return s.AddCategory(core.Income, label)
}

// RenameCategory renames a label and rewrites every entry of the same kind
// that referenced it. Renaming a label to itself is a no-op.
func (s *Store) RenameCategory(kind core.EntryType, oldLabel, newLabel string) error {
	const op = "rename category"
	if !kind.Valid() {
		return core.NewError(core.KindValidation, op, "", core.ErrInvalidEntryType)
	}
	newLabel = strings.TrimSpace(newLabel)
	if newLabel == "" {
		return core.NewError(core.KindValidation, op, "", core.ErrEmptyLabel)
	}
	if newLabel == oldLabel {
		return nil
	}
	labels := s.doc.Labels(kind)
	pos := -1
	for i, l := range labels {
		if l == oldLabel {
			pos = i
			break
		}
	}
	if pos < 0 {
		return core.NewError(core.KindNotFound, op, fmt.Sprintf("%s %q does not exist", labelNoun(kind), oldLabel), nil)
	}
	if s.doc.HasLabel(kind, newLabel) {
		return core.NewError(core.KindDuplicate, op, fmt.Sprintf("%s %q already exists", labelNoun(kind), newLabel), nil)
	}

	labels[pos] = newLabel
	for i := range s.doc.Entries {
		if s.doc.Entries[i].Type == kind && s.doc.Entries[i].Category == oldLabel {
			s.doc.Entries[i].Category = newLabel
		}
	}
	return nil
}

// DeleteCategory removes a label no entry of that kind references.
// Unknown labels are ignored.
func (s *Store) DeleteCategory(kind core.EntryType, label string) error {
	const op = "delete category"
	if !kind.Valid() {
		return core.NewError(core.KindValidation, op, "", core.ErrInvalidEntryType)
	}
	if n := s.references(kind, label); n > 0 {
		return core.NewError(core.KindReferentialIntegrity, op,
			fmt.Sprintf("%s %q is used by %d entries; move or delete them first", labelNoun(kind), label, n), nil)
	}
	labels := s.doc.Labels(kind)
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	s.setLabels(kind, out)
	return nil
}

// UpdateSettings merges the non-nil fields of patch.
func (s *Store) UpdateSettings(patch core.SettingsPatch) error {
	if patch.CurrencySymbol != nil {
		symbol := strings.TrimSpace(*patch.CurrencySymbol)
		if symbol == "" {
			return core.NewError(core.KindValidation, "update settings", "", core.ErrEmptyCurrency)
		}
		s.doc.Settings.CurrencySymbol = symbol
	}
	return nil
}

// ReplaceDocument swaps in a normalized copy of doc.
func (s *Store) ReplaceDocument(doc core.Document) error {
	s.doc = core.Normalize(doc.Clone())
	return nil
}

// ResetToDefaults replaces the document with the canonical empty one.
func (s *Store) ResetToDefaults() error {
	s.doc = core.DefaultDocument()
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, e := range s.doc.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) references(kind core.EntryType, label string) int {
	n := 0
	for _, e := range s.doc.Entries {
		if e.Type == kind && e.Category == label {
			n++
		}
	}
	return n
}

func (s *Store) setLabels(kind core.EntryType, labels []string) {
	if kind == core.Income {
		s.doc.IncomeTypes = labels
		return
	}
	s.doc.ExpenseCategories = labels
}

func labelNoun(kind core.EntryType) string {
	if kind == core.Income {
		return "income type"
	}
	return "category"
}
