package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/screensync/internal/clock"
	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

func openStore(t *testing.T) (*db.Store, *clock.Manual) {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	clk := clock.NewManual(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	return db.NewStore(database.DB, clk), clk
}

func TestLog_Record(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)
	log := New(store, "admin-7")

	entry, err := log.Record(ctx, models.AuditBulkImport, map[string]interface{}{
		"partition_id":  "sch-1",
		"success_count": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "admin-7", entry.UserID)
	assert.True(t, entry.Timestamp.Equal(clk.Now()))

	got, err := log.ByAction(ctx, models.AuditBulkImport)
	require.NoError(t, err)
	require.Len(t, got, 1)

	var details struct {
		PartitionID  string `json:"partition_id"`
		SuccessCount int    `json:"success_count"`
	}
	require.NoError(t, got[0].DecodeDetails(&details))
	assert.Equal(t, "sch-1", details.PartitionID)
	assert.Equal(t, 2, details.SuccessCount)
}

func TestLog_Record_nilDetails(t *testing.T) {
	store, _ := openStore(t)
	entry, err := New(store, "").Record(context.Background(), models.AuditStoreCleared, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(entry.Details))
}

func TestLog_Record_rejectsNonObject(t *testing.T) {
	store, _ := openStore(t)
	_, err := New(store, "").Record(context.Background(), "x", []int{1, 2})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestLog_appendOrder(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)
	log := New(store, "u")

	for _, action := range []string{models.AuditSyncFailed, models.AuditSyncCompleted, models.AuditSyncFailed} {
		_, err := log.Record(ctx, action, nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	all, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.AuditSyncFailed, all[0].Action)
	assert.Equal(t, models.AuditSyncCompleted, all[1].Action)
	assert.True(t, all[0].Timestamp.Before(all[2].Timestamp))

	failed, err := log.ByAction(ctx, models.AuditSyncFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 2)
}

func TestLog_In_rollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	log := New(store, "u")

	err := store.Update(ctx, func(tx *db.Store) error {
		if _, err := log.In(tx).Record(ctx, models.AuditDataRestored, nil); err != nil {
			return err
		}
		return apperrors.New(apperrors.ErrInternal, "abort")
	})
	require.Error(t, err)

	all, err := log.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
