package core

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string `json:"name"`
	Amount Amount `json:"amount"`
}

// Totals holds income and expense sums over a set of entries.
type Totals struct {
	Income  Amount `json:"incomeTotal"`
	Expense Amount `json:"expenseTotal"`
}

// Net returns income minus expenses.
func (t Totals) Net() Amount {
	return t.Income.Sub(t.Expense)
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Year           int              `json:"year"`
	Month          int              `json:"month"` // 1-12
	Totals         Totals           `json:"totals"`
	Net            Amount           `json:"net"`
	IncomeByType   []CategoryAmount `json:"incomeByType"`
	ExpenseByCat   []CategoryAmount `json:"expenseByCategory"`
	EntryCount     int              `json:"entryCount"`
	CurrencySymbol string           `json:"currencySymbol"`
}
