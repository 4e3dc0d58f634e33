package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireDocument mirrors Document with optional fields so an absent field
// can be told apart from an empty one.
type wireDocument struct {
	Entries           *[]Entry  `json:"entries"`
	ExpenseCategories *[]string `json:"expenseCategories"`
	IncomeTypes       *[]string `json:"incomeTypes"`
	Settings          *Settings `json:"settings"`
}

func (w wireDocument) document() Document {
	var doc Document
	if w.Entries != nil {
		doc.Entries = *w.Entries
	}
	if w.ExpenseCategories != nil {
		doc.ExpenseCategories = *w.ExpenseCategories
	}
	if w.IncomeTypes != nil {
		doc.IncomeTypes = *w.IncomeTypes
	}
	if w.Settings != nil {
		doc.Settings = *w.Settings
	}
	return doc
}

// Normalize backfills what an older or foreign client may have left out
// and restores the uniqueness invariants. nil collections get defaults;
// empty ones stay empty. Entries sharing an id collapse onto the first
// position with the last value.
func Normalize(doc Document) Document {
	out := Document{Settings: doc.Settings}

	if doc.Entries == nil {
		out.Entries = []Entry{}
	} else {
		out.Entries = make([]Entry, 0, len(doc.Entries))
		index := make(map[string]int, len(doc.Entries))
		for _, e := range doc.Entries {
			if i, ok := index[e.ID]; ok {
				out.Entries[i] = e
				continue
			}
			index[e.ID] = len(out.Entries)
			out.Entries = append(out.Entries, e)
		}
	}

	if doc.ExpenseCategories == nil {
		out.ExpenseCategories = DefaultExpenseCategories()
	} else {
		out.ExpenseCategories = dedupeLabels(doc.ExpenseCategories)
	}
	if doc.IncomeTypes == nil {
		out.IncomeTypes = DefaultIncomeTypes()
	} else {
		out.IncomeTypes = dedupeLabels(doc.IncomeTypes)
	}
	if strings.TrimSpace(out.Settings.CurrencySymbol) == "" {
		out.Settings.CurrencySymbol = DefaultCurrencySymbol
	}
	return out
}

// dedupeLabels drops empty and repeated labels, preserving input order.
func dedupeLabels(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DecodeDocument parses a stored document, tolerating missing fields.
func DecodeDocument(data []byte) (Document, error) {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return Normalize(w.document()), nil
}

// EncodeDocument serializes a document in its stored form.
func EncodeDocument(doc Document) ([]byte, error) {
	data, err := json.Marshal(Normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}
