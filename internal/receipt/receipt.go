package receipt

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/ledger"
)

const ContentType = "application/pdf"

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// TransferReader resolves a committed transfer by its public reference.
type TransferReader interface {
	FindByReference(ctx context.Context, reference string) (*ledger.Transaction, error)
}

// Artifact is one rendering of a receipt. Content and Filename differ per
// call; VerificationHash is stable for the transaction.
type Artifact struct {
	Reference        string
	SenderWalletID   string
	ReceiverWalletID string
	Content          []byte
	ContentType      string
	Filename         string
	VerificationHash string
	Locator          string
	GeneratedAt      time.Time
}

// IssuedTo reports whether walletID was a party to the transfer.
func (a *Artifact) IssuedTo(walletID string) bool {
	return walletID != "" && (walletID == a.SenderWalletID || walletID == a.ReceiverWalletID)
}

type Generator struct {
	reader  TransferReader
	baseURL string
	clock   clock.Clock
	logger  *zap.Logger
}

func NewGenerator(reader TransferReader, baseURL string, clk clock.Clock, logger *zap.Logger) *Generator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{reader: reader, baseURL: strings.TrimRight(baseURL, "/"), clock: clk, logger: logger}
}

// VerificationHash is hex(SHA-256(reference|amount|timestamp)) over the
// committed transaction.
func VerificationHash(tx *ledger.Transaction) string {
	material := strings.Join([]string{
		tx.Reference,
		tx.Amount.StringFixed(2),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// Locator is where the receipt for reference can be fetched.
func (g *Generator) Locator(reference string) string {
	return g.baseURL + "/" + url.PathEscape(reference)
}

func (g *Generator) Generate(ctx context.Context, reference string) (*Artifact, error) {
	tx, err := g.reader.FindByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer %s: %w", reference, err)
	}

	now := g.clock.Now()
	hash := VerificationHash(tx)
	content := renderPDF("Transfer Receipt", []string{
		"Reference: " + tx.Reference,
		"Date: " + tx.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
		"From wallet: " + tx.SenderWalletID,
		"To wallet: " + tx.ReceiverWalletID,
		fmt.Sprintf("Amount: %s %s", tx.Currency, tx.Amount.StringFixed(2)),
		fmt.Sprintf("Fee: %s %s", tx.Currency, tx.Fee.StringFixed(2)),
		fmt.Sprintf("Total: %s %s", tx.Currency, tx.Total.StringFixed(2)),
		"Status: " + string(tx.Status),
		"Verification: " + hash,
	})

	g.logger.Debug("receipt generated", zap.String("reference", reference))
	return &Artifact{
		Reference:        tx.Reference,
		SenderWalletID:   tx.SenderWalletID,
		ReceiverWalletID: tx.ReceiverWalletID,
		Content:          content,
		ContentType:      ContentType,
		Filename:         fmt.Sprintf("receipt_%s_%d.pdf", tx.Reference, now.UnixNano()),
		VerificationHash: hash,
		Locator:          g.Locator(tx.Reference),
		GeneratedAt:      now,
	}, nil
}

// Verify reports whether hash authenticates the transfer. A hash that is not
// 64 lowercase hex characters is rejected without reading the store; an
// unknown reference verifies as false.
func (g *Generator) Verify(ctx context.Context, reference, hash string) (bool, error) {
	if !hashPattern.MatchString(hash) {
		return false, nil
	}
	tx, err := g.reader.FindByReference(ctx, reference)
	if errors.Is(err, ledger.ErrTransactionMissing) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load transfer %s: %w", reference, err)
	}
	expected := VerificationHash(tx)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1, nil
}
