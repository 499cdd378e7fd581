package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSubRoundsToTwoDecimals(t *testing.T) {
	a := New(10.005)
	b := New(2.001)
	assert.Equal(t, "12.01", a.Add(b).String())
	assert.Equal(t, "8.01", a.Sub(b).String())
}

func TestMulFloatPayout(t *testing.T) {
	bet := New(10.00)
	payout := bet.MulFloat(3.2)
	assert.Equal(t, "32.00", payout.String())
}

func TestJSONRoundTrip(t *testing.T) {
	a := New(1234.5)
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"1234.50"`, string(data))

	var b Amount
	require.NoError(t, json.Unmarshal(data, &b))
	assert.True(t, a.Equal(b))
}

func TestNewFromCents(t *testing.T) {
	assert.Equal(t, "3.50", NewFromCents(350).String())
}

func TestComparisons(t *testing.T) {
	assert.True(t, New(5).LessThan(New(6)))
	assert.True(t, New(6).GreaterThan(New(5)))
	assert.True(t, Zero.IsZero())
	assert.True(t, New(-1).IsNegative())
}
