package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMajorUsesCurrencyExponent(t *testing.T) {
	assert.Equal(t, Amount(150025), FromMajor(decimal.RequireFromString("1500.25"), "KES"))
	assert.Equal(t, Amount(1500), FromMajor(decimal.RequireFromString("1500"), "UGX"))
	assert.Equal(t, Amount(1501), FromMajor(decimal.RequireFromString("1500.5"), "RWF"))
}

func TestParseMajor(t *testing.T) {
	a, err := ParseMajor(" 20.10 ", "NGN")
	require.NoError(t, err)
	assert.Equal(t, Amount(2010), a)

	_, err = ParseMajor("twenty", "NGN")
	assert.Error(t, err)
}

func TestPercentRoundsToMinorUnit(t *testing.T) {
	assert.Equal(t, Amount(100), Amount(5000).Percent(decimal.RequireFromString("0.02")))
	assert.Equal(t, Amount(1), Amount(33).Percent(decimal.RequireFromString("0.03")))
	assert.Equal(t, Amount(0), Amount(10).Percent(decimal.RequireFromString("0.01")))
}

func TestMajorRendering(t *testing.T) {
	assert.Equal(t, "12.34", Amount(1234).Major("KES").StringFixed(2))
	assert.Equal(t, "1234", Amount(1234).Major("UGX").String())
}

func TestAbsMinMax(t *testing.T) {
	assert.Equal(t, Amount(5), Amount(-5).Abs())
	assert.Equal(t, Amount(7), Max(3, 7))
	assert.Equal(t, Amount(3), Min(3, 7))
}
