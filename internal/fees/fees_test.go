package fees

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wallet-core/internal/config"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFlatRate_OnePercent(t *testing.T) {
	f := FlatRate{Percent: amt("1")}
	ctx := context.Background()

	tests := []struct {
		amount, fee, total string
	}{
		{"1000", "10", "1010"},
		{"5000", "50", "5050"},
		{"0.50", "0.01", "0.51"},
		{"123.45", "1.23", "124.68"},
	}
	for _, tt := range tests {
		fee, err := f.Compute(ctx, amt(tt.amount), "KES")
		require.NoError(t, err)
		assert.True(t, amt(tt.fee).Equal(fee), "fee for %s: got %s", tt.amount, fee)
		assert.True(t, amt(tt.total).Equal(amt(tt.amount).Add(fee)))
	}

	_, err := f.Compute(ctx, amt("-1"), "KES")
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("*:0:1; 100:0:0; 1000:5:0")
	require.NoError(t, err)
	ctx := context.Background()

	fee, err := s.Compute(ctx, amt("100"), "KES")
	require.NoError(t, err)
	assert.True(t, fee.IsZero())

	fee, err = s.Compute(ctx, amt("500"), "KES")
	require.NoError(t, err)
	assert.True(t, amt("5").Equal(fee))

	fee, err = s.Compute(ctx, amt("20000"), "KES")
	require.NoError(t, err)
	assert.True(t, amt("200").Equal(fee))
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, raw := range []string{"", "100:0", "abc:0:0", "*:0:1;*:0:2", "100:-1:0"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestSchedule_BoundedTopTier(t *testing.T) {
	s, err := ParseSchedule("1000:5:0")
	require.NoError(t, err)
	_, err = s.Compute(context.Background(), amt("1000.01"), "KES")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.Fees{Mode: "flat", Percent: amt("1")})
	require.NoError(t, err)
	assert.IsType(t, FlatRate{}, c)

	c, err = FromConfig(config.Fees{Mode: "schedule", Schedule: "*:10:0"})
	require.NoError(t, err)
	fee, err := c.Compute(context.Background(), amt("1"), "KES")
	require.NoError(t, err)
	assert.True(t, amt("10").Equal(fee))

	_, err = FromConfig(config.Fees{Mode: "auction"})
	assert.Error(t, err)
}
