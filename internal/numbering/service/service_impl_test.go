package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	numberingdomain "github.com/gestionly/veriledger/internal/numbering/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&numberingdomain.InvoiceSeries{}))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop()}).(*Service)
	return svc, db
}

func TestNextIsSequentialPerSeries(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	workspaceID := snowflake.ID(100)

	for want := int64(1); want <= 5; want++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			got, err := svc.Next(ctx, tx, workspaceID, "F")
			assert.Equal(t, want, got)
			return err
		})
		require.NoError(t, err)
	}

	// A different series starts its own counter.
	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := svc.Next(ctx, tx, workspaceID, "R")
		assert.Equal(t, int64(1), got)
		return err
	})
	require.NoError(t, err)
}

func TestNextConcurrentCallersGetContiguousNumbers(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	workspaceID := snowflake.ID(100)

	const callers = 8

	numbers := make(chan int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// SQLite serializes writers with a table lock, so contended
			// transactions surface as retryable errors rather than queueing.
			for attempt := 0; attempt < 200; attempt++ {
				var got int64
				err := db.Transaction(func(tx *gorm.DB) error {
					n, err := svc.Next(ctx, tx, workspaceID, "F")
					got = n
					return err
				})
				if err == nil {
					numbers <- got
					return
				}
				time.Sleep(time.Millisecond)
			}
			numbers <- 0
		}()
	}
	wg.Wait()
	close(numbers)

	// Every caller got a number, none twice, no holes: exactly {1..callers}.
	seen := make(map[int64]bool, callers)
	for n := range numbers {
		require.NotZero(t, n, "caller exhausted retries without a number")
		assert.False(t, seen[n], "number %d assigned twice", n)
		seen[n] = true
	}
	require.Len(t, seen, callers)
	for want := int64(1); want <= callers; want++ {
		assert.True(t, seen[want], "number %d never assigned", want)
	}

	next, err := svc.Peek(ctx, workspaceID, "F")
	require.NoError(t, err)
	assert.Equal(t, int64(callers+1), next)
}

func TestNextIsolatedPerWorkspace(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Next(ctx, tx, snowflake.ID(1), "F")
		return err
	})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		got, err := svc.Next(ctx, tx, snowflake.ID(2), "F")
		assert.Equal(t, int64(1), got)
		return err
	})
	require.NoError(t, err)
}

func TestRollbackReleasesReservedNumber(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	workspaceID := snowflake.ID(100)

	boom := fmt.Errorf("downstream failure")
	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := svc.Next(ctx, tx, workspaceID, "F")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The rolled-back reservation is handed out again; no gap.
	err = db.Transaction(func(tx *gorm.DB) error {
		got, err := svc.Next(ctx, tx, workspaceID, "F")
		assert.Equal(t, int64(1), got)
		return err
	})
	require.NoError(t, err)
}

func TestPeekDoesNotReserve(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	workspaceID := snowflake.ID(100)

	next, err := svc.Peek(ctx, workspaceID, "F")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	next, err = svc.Peek(ctx, workspaceID, "F")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.Next(ctx, tx, workspaceID, "F")
		return err
	})
	require.NoError(t, err)

	next, err = svc.Peek(ctx, workspaceID, "F")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "F-0001", FormatNumber("F", 1))
	assert.Equal(t, "F-0042", FormatNumber("F", 42))
	assert.Equal(t, "R-12345", FormatNumber("R", 12345))
	assert.Equal(t, "FAC-2026-0007", FormatNumber("FAC-2026", 7))
}
