package wallet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type of wallet, encoded in the human readable number prefix.
type Type string

const (
	TypeUser   Type = "USER"
	TypeAgent  Type = "AGENT"
	TypeSystem Type = "SYSTEM"
)

// State is the wallet lifecycle state. Wallets are never deleted.
type State string

const (
	StateActive    State = "ACTIVE"
	StateLocked    State = "LOCKED"
	StateFrozen    State = "FROZEN"
	StateSuspended State = "SUSPENDED"
)

type KYCStatus string

const (
	KYCVerified   KYCStatus = "VERIFIED"
	KYCPending    KYCStatus = "PENDING"
	KYCUnverified KYCStatus = "UNVERIFIED"
)

// Number prefixes by wallet type.
const (
	UserPrefix  = "WLT"
	AgentPrefix = "AGT"
)

var ErrWalletNotFound = errors.New("wallet not found")

// DisqualifiedError is returned when a wallet exists but its state bars it
// from taking part in a transfer.
type DisqualifiedError struct {
	Number string
	State  State
}

func (e *DisqualifiedError) Error() string {
	return fmt.Sprintf("wallet %s is %s", e.Number, strings.ToLower(string(e.State)))
}

// Wallet is the stored wallet record. It never carries a balance.
type Wallet struct {
	ID        string
	Number    string
	Type      Type
	OwnerName string
	Phone     string
	State     State
	KYCStatus KYCStatus
	CreatedAt time.Time
}

// PublicView is what transfer callers are allowed to see.
type PublicView struct {
	WalletID    string    `json:"wallet_id"`
	Number      string    `json:"wallet_number"`
	Type        Type      `json:"wallet_type"`
	OwnerName   string    `json:"owner_name"`
	MaskedPhone string    `json:"phone"`
	State       State     `json:"state"`
	KYCStatus   KYCStatus `json:"kyc_status"`
}

func (w *Wallet) PublicView() *PublicView {
	return &PublicView{
		WalletID:    w.ID,
		Number:      w.Number,
		Type:        w.Type,
		OwnerName:   w.OwnerName,
		MaskedPhone: MaskPhone(w.Phone),
		State:       w.State,
		KYCStatus:   w.KYCStatus,
	}
}

// CanTransact reports whether the wallet may send or receive money.
func (w *Wallet) CanTransact() bool {
	return w.State == StateActive
}

// MaskPhone keeps only the last four digits visible: "+254712345678" -> "****5678".
// Numbers with four digits or fewer are masked entirely.
func MaskPhone(phone string) string {
	digits := PhoneDigits(phone)
	if len(digits) <= 4 {
		return "****"
	}
	return "****" + digits[len(digits)-4:]
}

// PhoneDigits strips everything but digits, so "+254 712 345678" and the
// "254712345678" M-Pesa sends back compare equal.
func PhoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TypeFromNumber infers the wallet type from its prefix.
func TypeFromNumber(number string) (Type, bool) {
	switch {
	case strings.HasPrefix(number, UserPrefix):
		return TypeUser, true
	case strings.HasPrefix(number, AgentPrefix):
		return TypeAgent, true
	default:
		return "", false
	}
}
