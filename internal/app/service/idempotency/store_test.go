package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fatflowers/payflow/internal/models"
	"github.com/fatflowers/payflow/pkg/config"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.IdempotencyRecord{}))
	cfg := &config.Config{}
	cfg.Idempotency.RecordTTL = ttl
	return NewStore(cfg, db, zap.NewNop().Sugar())
}

func TestClaim_FirstCallerProceeds(t *testing.T) {
	s := newTestStore(t, time.Hour)
	res, err := s.Claim(context.Background(), "stripe:o1:create", "k1", "fp1")
	require.NoError(t, err)
	require.Equal(t, ClaimProceed, res.Status)
}

func TestClaim_SameFingerprintWhileInFlight(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	_, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)

	res, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	require.Equal(t, ClaimInFlight, res.Status)
}

func TestClaim_CompletedReturnsCachedResponse(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	_, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "scope", "k1", []byte(`{"transaction_id":"t1"}`)))

	res, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	require.Equal(t, ClaimDuplicate, res.Status)
	require.JSONEq(t, `{"transaction_id":"t1"}`, string(res.CachedResponse))
}

func TestClaim_DifferentFingerprintConflicts(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	_, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)

	// conflicts both while in flight and after completion
	res, err := s.Claim(ctx, "scope", "k1", "fp2")
	require.NoError(t, err)
	require.Equal(t, ClaimConflict, res.Status)

	require.NoError(t, s.Commit(ctx, "scope", "k1", []byte(`{}`)))
	res, err = s.Claim(ctx, "scope", "k1", "fp2")
	require.NoError(t, err)
	require.Equal(t, ClaimConflict, res.Status)
}

func TestClaim_ReleasedRecordCanBeRetried(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()
	_, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "scope", "k1"))

	res, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	require.Equal(t, ClaimProceed, res.Status)
}

func TestClaim_ExpiredRecordTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t, time.Millisecond)
	ctx := context.Background()
	_, err := s.Claim(ctx, "scope", "k1", "fp1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// even a different fingerprint may claim once the record expired
	s.ttl = time.Hour
	res, err := s.Claim(ctx, "scope", "k1", "fp2")
	require.NoError(t, err)
	require.Equal(t, ClaimProceed, res.Status)
}

func TestClaim_ConcurrentIdenticalCallersSingleWinner(t *testing.T) {
	s := newTestStore(t, time.Hour)
	ctx := context.Background()

	const callers = 10
	results := make([]ClaimStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Claim(ctx, "scope", "k1", "fp1")
			require.NoError(t, err)
			results[i] = res.Status
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, st := range results {
		switch st {
		case ClaimProceed:
			winners++
		case ClaimInFlight:
		default:
			t.Fatalf("unexpected claim status %s", st)
		}
	}
	require.Equal(t, 1, winners)
}

func TestCommit_RequiresInFlightRecord(t *testing.T) {
	s := newTestStore(t, time.Hour)
	require.Error(t, s.Commit(context.Background(), "scope", "missing", []byte(`{}`)))
}
