package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const exportFilePrefix = "cashbook-backup-"

// Export renders the full document as indented JSON for a backup file.
func Export(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Normalize(doc)); err != nil {
		return nil, fmt.Errorf("export document: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportFileName names a backup taken at now, e.g.
// cashbook-backup-2025-01-31.json.
func ExportFileName(now time.Time) string {
	return exportFilePrefix + now.Format("2006-01-02") + ".json"
}

// ParseImport validates and decodes a backup file. The entries,
// expenseCategories and settings keys must be present; incomeTypes may
// be missing in backups from older clients and is backfilled.
func ParseImport(data []byte) (Document, error) {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return Document{}, NewError(KindImportFormat, "import", "error reading or parsing the backup file", err)
	}
	if w.Entries == nil || w.ExpenseCategories == nil || w.Settings == nil {
		return Document{}, NewError(KindImportFormat, "import", "invalid backup file format", nil)
	}
	return Normalize(w.document()), nil
}
