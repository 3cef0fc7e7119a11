package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payments-core/internal/domain"
	"payments-core/pkg/money"
)

func TestLoadFallsBackToSandboxRail(t *testing.T) {
	t.Setenv("PROVIDERS", "")
	t.Setenv("ROUTES", "")

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "sandbox", cfg.Providers[0].Name)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, []string{"sandbox"}, cfg.Routes[0].Providers)
	assert.Equal(t, "02:00", cfg.Reconciliation.RunAt)
}

func TestLoadReadsProvidersAndOverrides(t *testing.T) {
	t.Setenv("PROVIDERS", `[{"name":"mpesa","kind":"sandbox","webhook_secret":"s","currencies":["KES"]}]`)
	t.Setenv("RECON_OVERRIDES", `{"mpesa":{"fixed_tolerance":5,"auto_resolve_limit":0,"critical_discrepancy_threshold":1000}}`)
	t.Setenv("RECON_FIXED_TOLERANCE", "3")
	t.Setenv("RISK_VELOCITY_WINDOW", "30m")
	t.Setenv("RISK_LARGE_AMOUNTS", `{"KES":500}`)

	cfg, err := Load(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, money.Amount(300), cfg.Reconciliation.For("other", "KES").FixedTolerance)
	assert.Equal(t, money.Amount(500), cfg.Reconciliation.For("mpesa", "KES").FixedTolerance)
	assert.Equal(t, money.Amount(100_000), cfg.Reconciliation.For("mpesa", "KES").CriticalDiscrepancyThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Risk.VelocityWindow)
	assert.Equal(t, money.Amount(500), cfg.Risk.LargeAmounts["KES"])
	assert.Equal(t, []string{"mpesa"}, cfg.Routes[0].Providers)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	t.Setenv("ROUTES", "{not json")
	_, err := Load(zap.NewNop())
	assert.ErrorContains(t, err, "invalid ROUTES")
}

func TestDefaultThresholdsAreLocalCurrencyUnits(t *testing.T) {
	cfg := ReconciliationConfig{Defaults: DefaultThresholds()}

	kes := cfg.For("mpesa", "KES")
	assert.Equal(t, money.Amount(100), kes.FixedTolerance)
	assert.Equal(t, money.Amount(10_000), kes.AutoResolveLimit)
	assert.Equal(t, money.Amount(10_000_000), kes.CriticalDiscrepancyThreshold)
	assert.Equal(t, domain.SeverityLow, kes.Severity.Classify(money.FromMajor(decimal.RequireFromString("999.99"), "KES")))
	assert.Equal(t, domain.SeverityMedium, kes.Severity.Classify(60_000))
	assert.Equal(t, domain.SeverityHigh, kes.Severity.Classify(1_000_000))
	assert.Equal(t, domain.SeverityCritical, kes.Severity.Classify(5_000_000))

	// UGX has no minor unit, so the bands are the same numbers
	ugx := cfg.For("mtn", "UGX")
	assert.Equal(t, money.Amount(100), ugx.AutoResolveLimit)
	assert.Equal(t, domain.SeverityLow, ugx.Severity.Classify(999))
	assert.Equal(t, domain.SeverityMedium, ugx.Severity.Classify(1_000))
	assert.Equal(t, domain.SeverityCritical, ugx.Severity.Classify(50_000))
}
