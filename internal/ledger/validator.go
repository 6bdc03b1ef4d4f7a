package ledger

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	TransactionID  string                 `json:"transaction_id,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// ValidateDoubleEntry checks that every currency in the set nets to zero and
// that each entry carries a positive amount.
func ValidateDoubleEntry(entries []Entry) *ValidationResult {
	result := &ValidationResult{
		ValidationType: "double_entry",
	}
	if len(entries) == 0 {
		result.Message = "no entries to post"
		return result
	}
	result.TransactionID = entries[0].TransactionID

	net := map[string]decimal.Decimal{}
	for _, e := range entries {
		if !e.Amount.IsPositive() {
			result.Message = fmt.Sprintf("entry for wallet %s has non-positive amount %s", e.WalletID, e.Amount)
			return result
		}
		if !currencyPattern.MatchString(e.Currency) {
			result.Message = fmt.Sprintf("currency code '%s' must be three uppercase letters", e.Currency)
			return result
		}
		switch e.Type {
		case EntryCredit:
			net[e.Currency] = net[e.Currency].Add(e.Amount)
		case EntryDebit:
			net[e.Currency] = net[e.Currency].Sub(e.Amount)
		default:
			result.Message = fmt.Sprintf("unknown entry type '%s'", e.Type)
			return result
		}
	}

	for currency, sum := range net {
		if !sum.IsZero() {
			result.Message = fmt.Sprintf("entries in %s are off by %s", currency, sum)
			result.Details = map[string]interface{}{"currency": currency, "drift": sum.String()}
			return result
		}
	}

	result.IsValid = true
	result.Message = "entries balance"
	return result
}

// ValidateTransaction checks that a record is internally consistent before it reaches a store.
func ValidateTransaction(tx *Transaction) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrUnbalanced)
	}
	if tx.ID == "" || tx.Reference == "" {
		return fmt.Errorf("transaction id and reference are required")
	}
	if tx.SenderWalletID == "" || tx.ReceiverWalletID == "" {
		return fmt.Errorf("sender and receiver wallets are required")
	}
	if !tx.Total.Equal(tx.Amount.Add(tx.Fee)) {
		return fmt.Errorf("total %s does not equal amount %s plus fee %s", tx.Total, tx.Amount, tx.Fee)
	}
	for _, e := range tx.Entries {
		if e.TransactionID != tx.ID {
			return fmt.Errorf("entry %s belongs to transaction %s", e.ID, e.TransactionID)
		}
	}
	if res := ValidateDoubleEntry(tx.Entries); !res.IsValid {
		return fmt.Errorf("%w: %s", ErrUnbalanced, res.Message)
	}
	return nil
}
