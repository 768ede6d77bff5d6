package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-caisse/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"REDIS_URL":                  "redis://localhost:6379/0",
		"DATABASE_URL":               "",
		"CART_TTL":                   "",
		"PRICING_CATEGORY_DISCOUNTS": "",
		"INSTALLMENT_TIERS":          "",
		"PENDING_CHECK_INDICATORS":   "",
		"INVOICING_BASE_URL":         "",
		"CIRCUIT_FAILURE_RATIO":      "",
		"PORT":                       "",
	})
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, 72*time.Hour, cfg.CartTTL)
	require.False(t, cfg.UsePostgresLedger())
	require.Equal(t, []string{"cheque", "check"}, cfg.CheckIndicators)

	rate, ok := cfg.CategoryDiscounts.Rate("MATELAS")
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.RequireFromString("0.2")))
	require.True(t, cfg.InstallmentTiers.Supports("oney", 4))
	require.False(t, cfg.InstallmentTiers.Supports("oney", 2))
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := config.LoadForTests(map[string]string{
		"REDIS_URL":                         "redis://cache:6379/1",
		"DATABASE_URL":                      "postgres://caisse@db/caisse",
		"PORT":                              ":9000",
		"CART_TTL":                          "2h",
		"PRICING_CATEGORY_DISCOUNTS":        "Sommier:15%,Matelas:0.1",
		"PENDING_CHECK_INDICATORS":          "chq, traite",
		"INVOICING_BASE_URL":                "https://factures.example",
		"INVOICING_API_TOKEN":               "secret",
		"COLLECT_CONCURRENCY":               "4",
		"PENDING_TOLERATE_EXTERNAL_FAILURE": "yes",
	})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddr())
	require.Equal(t, 2*time.Hour, cfg.CartTTL)
	require.True(t, cfg.UsePostgresLedger())
	require.Equal(t, []string{"chq", "traite"}, cfg.CheckIndicators)
	require.Equal(t, 4, cfg.CollectConcurrency)
	require.True(t, cfg.TolerateExternalFailure)

	rate, ok := cfg.CategoryDiscounts.Rate("sommier")
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.RequireFromString("0.15")))
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := config.LoadForTests(map[string]string{"REDIS_URL": ""})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{
		"REDIS_URL":                  "redis://localhost:6379/0",
		"PRICING_CATEGORY_DISCOUNTS": "Matelas:1.5",
	})
	require.Error(t, err)

	_, err = config.LoadForTests(map[string]string{
		"REDIS_URL":           "redis://localhost:6379/0",
		"INVOICING_BASE_URL":  "https://factures.example",
		"INVOICING_API_TOKEN": "",
	})
	require.Error(t, err)
}
