package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BalanceTolerance is the largest drift accepted when checking an asserted balance.
var BalanceTolerance = decimal.RequireFromString("0.01")

// BalanceQuery is the only statement used to read a balance from Postgres.
// $1 wallet id, $2 currency, $3 upper bound on entry sequence (inclusive).
const BalanceQuery = `
SELECT (COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE 0 END), 0)
      - COALESCE(SUM(CASE WHEN entry_type = 'DEBIT' THEN amount ELSE 0 END), 0))::text AS balance
FROM ledger_entries
WHERE wallet_id = $1 AND currency = $2 AND seq <= $3
GROUP BY wallet_id, currency`

// DeriveBalance sums credits minus debits for entries in the given currency.
// Entries in other currencies are ignored, never converted.
func DeriveBalance(entries []Entry, currency string) decimal.Decimal {
	credits := decimal.Zero
	debits := decimal.Zero
	for _, e := range entries {
		if e.Currency != currency {
			continue
		}
		switch e.Type {
		case EntryCredit:
			credits = credits.Add(e.Amount)
		case EntryDebit:
			debits = debits.Add(e.Amount)
		}
	}
	return credits.Sub(debits)
}

// BalanceCheck reports how a derived balance compares to an asserted one.
type BalanceCheck struct {
	Match      bool            `json:"match"`
	Calculated decimal.Decimal `json:"calculated"`
	Expected   decimal.Decimal `json:"expected"`
	Message    string          `json:"message"`
}

// ValidateBalance derives the balance and compares it to expected within BalanceTolerance.
func ValidateBalance(entries []Entry, currency string, expected decimal.Decimal) BalanceCheck {
	calculated := DeriveBalance(entries, currency)
	check := BalanceCheck{
		Calculated: calculated,
		Expected:   expected,
	}
	if calculated.Sub(expected).Abs().LessThan(BalanceTolerance) {
		check.Match = true
		check.Message = "derivation correct"
		return check
	}
	check.Message = fmt.Sprintf("mismatch: calculated %s, expected %s", calculated.StringFixed(2), expected.StringFixed(2))
	return check
}
