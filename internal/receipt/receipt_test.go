package receipt

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/ledger"
)

type countingReader struct {
	txs   map[string]*ledger.Transaction
	calls int
}

func (c *countingReader) FindByReference(ctx context.Context, reference string) (*ledger.Transaction, error) {
	c.calls++
	tx, ok := c.txs[reference]
	if !ok {
		return nil, ledger.ErrTransactionMissing
	}
	return tx, nil
}

func setup() (*Generator, *countingReader, *clock.Manual) {
	tx := &ledger.Transaction{
		ID:               "7d1f3c2e-0000-4000-8000-000000000001",
		Reference:        "TF01HZX3K9Q4M7W2",
		SenderWalletID:   "alice",
		ReceiverWalletID: "bob",
		Amount:           decimal.RequireFromString("1000"),
		Fee:              decimal.RequireFromString("10"),
		Total:            decimal.RequireFromString("1010"),
		Currency:         "KES",
		Status:           ledger.StatusCompleted,
		CreatedAt:        time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	reader := &countingReader{txs: map[string]*ledger.Transaction{tx.Reference: tx}}
	clk := clock.NewManual(time.Date(2024, 6, 1, 9, 0, 1, 0, time.UTC))
	return NewGenerator(reader, "https://wallet.example.com/v1/receipts/", clk, nil), reader, clk
}

func TestGenerate(t *testing.T) {
	g, _, _ := setup()

	a, err := g.Generate(context.Background(), "TF01HZX3K9Q4M7W2")
	require.NoError(t, err)
	assert.Len(t, a.VerificationHash, 64)
	assert.True(t, strings.HasPrefix(a.Filename, "receipt_TF01HZX3K9Q4M7W2_"))
	assert.True(t, strings.HasSuffix(a.Filename, ".pdf"))
	assert.Equal(t, "https://wallet.example.com/v1/receipts/TF01HZX3K9Q4M7W2", a.Locator)
	assert.True(t, bytes.HasPrefix(a.Content, []byte("%PDF-1.4")))
	assert.Contains(t, string(a.Content), "KES 1000.00")
	assert.Contains(t, string(a.Content), a.VerificationHash)

	assert.True(t, a.IssuedTo("alice"))
	assert.True(t, a.IssuedTo("bob"))
	assert.False(t, a.IssuedTo("carol"))
	assert.False(t, a.IssuedTo(""))
}

func TestGenerate_StableHashUniqueFilename(t *testing.T) {
	g, _, clk := setup()
	ctx := context.Background()

	first, err := g.Generate(ctx, "TF01HZX3K9Q4M7W2")
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	second, err := g.Generate(ctx, "TF01HZX3K9Q4M7W2")
	require.NoError(t, err)

	assert.Equal(t, first.VerificationHash, second.VerificationHash)
	assert.NotEqual(t, first.Filename, second.Filename)
}

func TestGenerate_UnknownReference(t *testing.T) {
	g, _, _ := setup()
	_, err := g.Generate(context.Background(), "TFNOPE")
	assert.ErrorIs(t, err, ledger.ErrTransactionMissing)
}

func TestVerify_RoundTrip(t *testing.T) {
	g, _, _ := setup()
	ctx := context.Background()

	a, err := g.Generate(ctx, "TF01HZX3K9Q4M7W2")
	require.NoError(t, err)

	ok, err := g.Verify(ctx, "TF01HZX3K9Q4M7W2", a.VerificationHash)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := []byte(a.VerificationHash)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	ok, err = g.Verify(ctx, "TF01HZX3K9Q4M7W2", string(tampered))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Verify(ctx, "TFNOPE", a.VerificationHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_MalformedHashSkipsLookup(t *testing.T) {
	g, reader, _ := setup()
	ctx := context.Background()

	for _, h := range []string{"", "abc", strings.Repeat("A", 64), strings.Repeat("g", 64), strings.Repeat("a", 65)} {
		ok, err := g.Verify(ctx, "TF01HZX3K9Q4M7W2", h)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, reader.calls)
}

func TestRenderPDF_EscapesText(t *testing.T) {
	out := string(renderPDF("T", []string{`a (b) \c`}))
	assert.Contains(t, out, `(a \(b\) \\c) Tj`)
	assert.True(t, strings.HasSuffix(out, "%%EOF\n"))
}
