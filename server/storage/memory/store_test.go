package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/storage"
	"github.com/zaman-cal/seriesd/server/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	in := storage.NewMockSeries("s1", "t1", start)
	in.TargetPolicy.Exclude = []string{"t9"}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CreateSeries(ctx, in)
	}))

	in.Title = "mutated after create"
	got, err := store.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Series s1", got.Title)

	got.TargetPolicy.Exclude[0] = "changed"
	again, err := store.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t9"}, again.TargetPolicy.Exclude)
}

func TestStore_WithTxHonorsCancelledContext(t *testing.T) {
	store := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
