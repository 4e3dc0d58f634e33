package core

import (
	"strings"
	"time"
)

const (
	Income  EntryType = "income"
	Expense EntryType = "expense"
)

// DefaultCurrencySymbol is used when a document carries no currency.
const DefaultCurrencySymbol = "Rs."

// maxTimestampMillis bounds timestamps to the range other clients can
// represent as a date (±100,000,000 days around the epoch).
const maxTimestampMillis = 8_640_000_000_000_000

type (
	// EntryType tells incomes and expenses apart. It is also the kind of a
	// label set: expense categories for Expense, income types for Income.
	EntryType string

	// Entry is a single dated income or expense transaction.
	Entry struct {
		ID        string    `json:"id"`
		Type      EntryType `json:"type"`
		Amount    Amount    `json:"amount"`
		Category  string    `json:"category"`
		Timestamp int64     `json:"timestamp"` // epoch milliseconds
	}

	// Settings holds display configuration.
	Settings struct {
		CurrencySymbol string `json:"currencySymbol"`
	}

	// SettingsPatch is a partial settings update; nil fields are left alone.
	SettingsPatch struct {
		CurrencySymbol *string `json:"currencySymbol,omitempty"`
	}

	// Document is the full synchronized aggregate for one user.
	Document struct {
		Entries           []Entry  `json:"entries"`
		ExpenseCategories []string `json:"expenseCategories"`
		IncomeTypes       []string `json:"incomeTypes"`
		Settings          Settings `json:"settings"`
	}
)

// DefaultExpenseCategories and DefaultIncomeTypes seed new documents.
func DefaultExpenseCategories() []string {
	return []string{"Food", "Transport", "Bills", "Entertainment", "Other"}
}

func DefaultIncomeTypes() []string {
	return []string{"Basic Salary", "Service Charge", "Tip"}
}

// DefaultDocument returns the canonical empty document.
func DefaultDocument() Document {
	return Document{
		Entries:           []Entry{},
		ExpenseCategories: DefaultExpenseCategories(),
		IncomeTypes:       DefaultIncomeTypes(),
		Settings:          Settings{CurrencySymbol: DefaultCurrencySymbol},
	}
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return t == Income || t == Expense
}

func (t EntryType) String() string {
	return string(t)
}

// Time returns the entry timestamp as a time.Time in loc.
func (e Entry) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(e.Timestamp).In(loc)
}

// Validate checks the fields of an entry on their own. Membership of the
// category in the document is checked by the ledger store.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrEmptyID
	}
	if !e.Type.Valid() {
		return ErrInvalidEntryType
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	if err := ValidateTimestamp(e.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateTimestamp rejects values outside the range a date can represent.
func ValidateTimestamp(ms int64) error {
	if ms > maxTimestampMillis || ms < -maxTimestampMillis {
		return ErrInvalidTimestamp
	}
	return nil
}

// Labels returns the label set of the given kind. The slice is the
// document's own; callers that keep it must copy.
func (d Document) Labels(kind EntryType) []string {
	if kind == Income {
		return d.IncomeTypes
	}
	return d.ExpenseCategories
}

// HasLabel reports whether label is present in the set of kind (exact match).
func (d Document) HasLabel(kind EntryType, label string) bool {
	for _, l := range d.Labels(kind) {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. nil collections stay nil so Normalize can
// still tell them apart from empty ones.
func (d Document) Clone() Document {
	out := Document{
		ExpenseCategories: cloneStrings(d.ExpenseCategories),
		IncomeTypes:       cloneStrings(d.IncomeTypes),
		Settings:          d.Settings,
	}
	if d.Entries != nil {
		out.Entries = make([]Entry, len(d.Entries))
		copy(out.Entries, d.Entries)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
