package integration_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pricewatch-cl/pricewatch/internal/ledger"
	"github.com/pricewatch-cl/pricewatch/internal/store"
)

// Integration tests require external services and are skipped by default.
// To run them locally set RUN_PRICEWATCH_INTEGRATION=1, start postgres via
// docker-compose, and apply migrations/ first.
func TestIntegration_StorePriceRoundTrip(t *testing.T) {
	if os.Getenv("RUN_PRICEWATCH_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_PRICEWATCH_INTEGRATION=1 to run against a live postgres")
	}

	dsn := os.Getenv("DATABASE_URL")
	require.NotEmpty(t, dsn, "DATABASE_URL must be set for integration tests")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	rec := ledger.PriceRecord{
		InternalCode: "TEST000001",
		Date:         ledger.TruncateToDay(time.Now()),
		Retailer:     "falabella",
	}
	require.NoError(t, s.UpsertPrice(ctx, rec))

	got, err := s.GetPrice(ctx, rec.InternalCode, rec.Date)
	require.NoError(t, err)
	require.NotNil(t, got)
}
