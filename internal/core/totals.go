package core

import (
	"sort"
	"time"
)

// Dimension selects the entry field GroupAndSum groups by.
type Dimension string

const (
	DimensionCategory Dimension = "category"
	DimensionType     Dimension = "type"
)

// TotalsFor sums amounts by entry type.
func TotalsFor(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Type {
		case Income:
			t.Income = t.Income.Add(e.Amount)
		case Expense:
			t.Expense = t.Expense.Add(e.Amount)
		}
	}
	return t
}

// GroupAndSum maps each value of dim to the summed amount of its entries.
// The map is unsorted; see SortByAmount.
func GroupAndSum(entries []Entry, dim Dimension) map[string]Amount {
	out := make(map[string]Amount)
	for _, e := range entries {
		key := e.Category
		if dim == DimensionType {
			key = string(e.Type)
		}
		out[key] = out[key].Add(e.Amount)
	}
	return out
}

// FilterType returns the entries of type t, in order.
func FilterType(entries []Entry, t EntryType) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// EntriesInPeriod returns entries whose timestamp falls in the given
// calendar month of year, evaluated in loc (time.Local when nil).
func EntriesInPeriod(entries []Entry, year int, month time.Month, loc *time.Location) []Entry {
	out := make([]Entry, 0)
	for _, e := range entries {
		t := e.Time(loc)
		if t.Year() == year && t.Month() == month {
			out = append(out, e)
		}
	}
	return out
}

// SortByAmount orders a grouped sum for display: largest first, ties by name.
func SortByAmount(sums map[string]Amount) []CategoryAmount {
	out := make([]CategoryAmount, 0, len(sums))
	for name, amount := range sums {
		out = append(out, CategoryAmount{Name: name, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CategoryTotals returns one row per label of kind, in the document's label
// order, including labels with no entries in the given slice.
func CategoryTotals(doc Document, entries []Entry, kind EntryType) []CategoryAmount {
	sums := GroupAndSum(FilterType(entries, kind), DimensionCategory)
	labels := doc.Labels(kind)
	out := make([]CategoryAmount, 0, len(labels))
	for _, label := range labels {
		out = append(out, CategoryAmount{Name: label, Amount: sums[label]})
	}
	return out
}

// Overview builds the analysis summary for one month.
func Overview(doc Document, year int, month time.Month, loc *time.Location) MonthOverview {
	entries := EntriesInPeriod(doc.Entries, year, month, loc)
	totals := TotalsFor(entries)
	return MonthOverview{
		Year:           year,
		Month:          int(month),
		Totals:         totals,
		Net:            totals.Net(),
		IncomeByType:   SortByAmount(GroupAndSum(FilterType(entries, Income), DimensionCategory)),
		ExpenseByCat:   SortByAmount(GroupAndSum(FilterType(entries, Expense), DimensionCategory)),
		EntryCount:     len(entries),
		CurrencySymbol: doc.Settings.CurrencySymbol,
	}
}

// AvailableYears lists the distinct years that have entries, newest first.
// The current year is always included.
func AvailableYears(entries []Entry, now time.Time, loc *time.Location) []int {
	if loc == nil {
		loc = time.Local
	}
	seen := map[int]struct{}{now.In(loc).Year(): {}}
	for _, e := range entries {
		seen[e.Time(loc).Year()] = struct{}{}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(years)))
	return years
}
