package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/clock"
	"github.com/example/wallet-core/internal/config"
	"github.com/example/wallet-core/internal/paymentlog"
	"github.com/example/wallet-core/internal/provider"
	"github.com/example/wallet-core/internal/provider/sms"
)

type scriptedSender struct {
	mu    sync.Mutex
	calls []string
	// fail makes the next n calls fail.
	fail  int
	panic bool
}

func (s *scriptedSender) Send(ctx context.Context, recipient, message string) (sms.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, message)
	if s.panic {
		panic("gateway client bug")
	}
	if s.fail > 0 {
		s.fail--
		return sms.Delivery{}, &provider.Error{Provider: "sms", Code: "timeout", Message: "gateway timed out", Retryable: true}
	}
	return sms.Delivery{MessageID: fmt.Sprintf("ATXid_%d", len(s.calls)), Status: "Success"}, nil
}

var start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(sender Sender) (*Dispatcher, *MemoryStore, *clock.Manual) {
	store := NewMemoryStore()
	clk := clock.NewManual(start)
	return NewDispatcher(sender, store, decimal.RequireFromString("1.0"), WithClock(clk)), store, clk
}

func TestSend_LogsSuccess(t *testing.T) {
	d, store, _ := newTestDispatcher(&scriptedSender{})

	res := d.Send(context.Background(), "+254712345678", "hello")
	assert.True(t, res.Success)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, "ATXid_1", res.MessageID)

	entries := store.All()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.True(t, decimal.NewFromInt(1).Equal(entries[0].Cost))
	assert.Equal(t, res.LogID, entries[0].ID)
	assert.Equal(t, 1, entries[0].Attempt)
}

func TestSend_ProviderFailureIsLoggedNotReturned(t *testing.T) {
	d, store, _ := newTestDispatcher(&scriptedSender{fail: 1})

	res := d.Send(context.Background(), "+254712345678", "hello")
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "gateway timed out")

	entries := store.All()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.True(t, decimal.NewFromInt(1).Equal(entries[0].Cost))
	assert.NotEmpty(t, entries[0].ErrorMessage)
}

func TestSend_PanickingSenderIsContained(t *testing.T) {
	d, store, _ := newTestDispatcher(&scriptedSender{panic: true})

	var res Result
	require.NotPanics(t, func() { res = d.Send(context.Background(), "+254712345678", "hello") })
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, store.All(), 1)
}

func TestSend_EmptyRecipientStillLogged(t *testing.T) {
	sender := &scriptedSender{}
	d, store, _ := newTestDispatcher(sender)

	res := d.Send(context.Background(), "  ", "hello")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, sender.calls)
	assert.Len(t, store.All(), 1)
}

func TestSend_CostFixedAtConstruction(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(&scriptedSender{}, store, decimal.RequireFromString("0.80"))

	d.SendOTP(context.Background(), "+254700000001", "123456")
	d.SendTransactionNotice(context.Background(), "+254700000002", "You received KES 100")

	for _, e := range store.All() {
		assert.True(t, decimal.RequireFromString("0.80").Equal(e.Cost))
	}
	assert.True(t, decimal.RequireFromString("0.80").Equal(d.CostPerMessage()))
}

func TestWrappersFormatAndLog(t *testing.T) {
	sender := &scriptedSender{}
	d, store, _ := newTestDispatcher(sender)

	d.SendOTP(context.Background(), "+254700000001", "482913")
	d.SendTransactionNotice(context.Background(), "+254700000002", "  You received KES 100  ")

	require.Len(t, sender.calls, 2)
	assert.Contains(t, sender.calls[0], "482913")
	assert.Equal(t, "You received KES 100", sender.calls[1])

	entries := store.All()
	require.Len(t, entries, 2)
	assert.Equal(t, KindOTP, entries[0].Kind)
	assert.NotContains(t, entries[0].Message, "482913")
	assert.Equal(t, KindTransaction, entries[1].Kind)
}

func TestEveryCallWritesExactlyOneEntry(t *testing.T) {
	d, store, _ := newTestDispatcher(&scriptedSender{fail: 5})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Send(context.Background(), fmt.Sprintf("+2547000000%02d", i), "hello")
		}(i)
	}
	wg.Wait()

	entries := store.All()
	assert.Len(t, entries, 20)
	failed := 0
	for _, e := range entries {
		assert.Contains(t, []Status{StatusSent, StatusFailed}, e.Status)
		if e.Status == StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 5, failed)
}

func TestCostSummary(t *testing.T) {
	d, _, clk := newTestDispatcher(&scriptedSender{fail: 1})
	ctx := context.Background()

	d.Send(ctx, "+254700000001", "a")
	d.Send(ctx, "+254700000001", "b")
	d.Send(ctx, "+254700000001", "c")
	clk.Advance(48 * time.Hour)
	d.Send(ctx, "+254700000001", "outside range")

	report, err := d.CostSummary(ctx, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count)
	assert.True(t, decimal.NewFromInt(3).Equal(report.Total))
	require.Len(t, report.ByStatus, 2)
	assert.Equal(t, StatusFailed, report.ByStatus[0].Status)
	assert.Equal(t, 1, report.ByStatus[0].Count)
	assert.Equal(t, StatusSent, report.ByStatus[1].Status)
	assert.Equal(t, 2, report.ByStatus[1].Count)

	_, err = d.CostSummary(ctx, start, start)
	assert.Error(t, err)
}

func TestResender_RetriesFailuresOnce(t *testing.T) {
	sender := &scriptedSender{fail: 2}
	d, store, clk := newTestDispatcher(sender)
	ctx := context.Background()

	d.Send(ctx, "+254700000001", "first")
	d.Send(ctx, "+254700000002", "second")

	r := NewResender(d, store, config.Notification{ResendWindow: time.Hour, MaxAttempts: 3}, clk, nil)
	sent, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	entries := store.All()
	require.Len(t, entries, 4)
	assert.Equal(t, entries[0].ID, entries[2].RetryOf)
	assert.Equal(t, 2, entries[2].Attempt)

	// nothing left to retry
	sent, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, store.All(), 4)
}

func TestResender_RespectsMaxAttemptsAndWindow(t *testing.T) {
	sender := &scriptedSender{fail: 10}
	d, store, clk := newTestDispatcher(sender)
	ctx := context.Background()

	d.Send(ctx, "+254700000001", "doomed")
	r := NewResender(d, store, config.Notification{ResendWindow: time.Hour, MaxAttempts: 2}, clk, nil)

	_, err := r.RunOnce(ctx)
	require.NoError(t, err)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, store.All(), 2)

	d.Send(ctx, "+254700000002", "old")
	clk.Advance(2 * time.Hour)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, store.All(), 3)
}

func TestResender_SkipsFailedOTP(t *testing.T) {
	sender := &scriptedSender{fail: 1}
	d, store, clk := newTestDispatcher(sender)
	ctx := context.Background()

	res := d.SendOTP(ctx, "+254700000001", "731904")
	require.False(t, res.Success)

	clk.Advance(10 * time.Minute)
	r := NewResender(d, store, config.Notification{ResendWindow: time.Hour, MaxAttempts: 3}, clk, nil)
	sent, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	entries := store.All()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.NotContains(t, entries[0].Message, "731904")
	assert.Len(t, sender.calls, 1)

	retryable, err := store.ListRetryable(ctx, start, 3)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestResender_StartRequiresInterval(t *testing.T) {
	d, store, _ := newTestDispatcher(&scriptedSender{})
	r := NewResender(d, store, config.Notification{}, nil, nil)
	_, err := r.Start(context.Background())
	assert.Error(t, err)

	r = NewResender(d, store, config.Notification{ResendInterval: time.Minute, MaxAttempts: 3}, nil, nil)
	stop, err := r.Start(context.Background())
	require.NoError(t, err)
	stop()
}

func TestDeliveredSMSRecordedInPaymentLog(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	pstore, err := paymentlog.NewSQLiteStore(db)
	require.NoError(t, err)
	plog := paymentlog.NewLog(pstore, nil, nil)

	d := NewDispatcher(&scriptedSender{fail: 1}, NewMemoryStore(), decimal.RequireFromString("1.0"), WithPaymentLog(plog))
	ctx := context.Background()

	d.Send(ctx, "+254700000001", "fails")
	res := d.Send(ctx, "+254700000001", "works")

	rec, err := plog.FindByNaturalKey(ctx, "sms:"+res.MessageID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, paymentlog.KindSMS, rec.Kind)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM payment_logs`).Scan(&count))
	assert.Equal(t, 1, count)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Insert(ctx context.Context, e *LogEntry) error {
	return errors.New("disk full")
}

func TestSend_LogWriteFailureDoesNotPanic(t *testing.T) {
	d := NewDispatcher(&scriptedSender{}, &failingStore{}, decimal.NewFromInt(1))
	res := d.Send(context.Background(), "+254700000001", "hello")
	assert.True(t, res.Success)
	assert.Empty(t, res.LogID)
}
