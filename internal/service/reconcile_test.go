package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mastermcphill/fliptrybe-sub001/internal/store"
)

func TestReconcileCleanRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	w1, err := st.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	w2, err := st.CreateWallet(ctx, "bob")
	require.NoError(t, err)
	_, err = st.Credit(ctx, w1.ID, 5000, "topup-1")
	require.NoError(t, err)
	_, err = st.Credit(ctx, w2.ID, 700, "topup-2")
	require.NoError(t, err)

	job := NewReconcileJob(st, st, 0, testLogger())
	report, err := job.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.WalletsChecked)
	assert.Empty(t, report.Drifts)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestReconcileDetectsDrift(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	w, err := st.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = st.Credit(ctx, w.ID, 5000, "topup-1")
	require.NoError(t, err)

	// Corrupt the stored balance behind the entry log's back.
	st.SetBalance(w.ID, 9000)

	job := NewReconcileJob(st, st, 0, testLogger())
	report, err := job.Run(ctx)
	require.NoError(t, err)

	require.Len(t, report.Drifts, 1)
	d := report.Drifts[0]
	assert.Equal(t, w.ID, d.WalletID)
	assert.Equal(t, int64(9000), d.StoredMinor)
	assert.Equal(t, int64(5000), d.ComputedMinor)
	assert.Equal(t, int64(4000), d.DeltaMinor)

	// The run is read-only: the stored balance stays corrupted until an
	// operator acts on the report.
	got, err := st.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), got.BalanceMinor)
}

func TestReconcileToleranceSuppressesSmallDrift(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	w, err := st.CreateWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = st.Credit(ctx, w.ID, 5000, "topup-1")
	require.NoError(t, err)
	st.SetBalance(w.ID, 5001)

	job := NewReconcileJob(st, st, 1, testLogger())
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)

	st.SetBalance(w.ID, 5002)
	report, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Drifts, 1)
}

func TestReconcileEmptyWalletSet(t *testing.T) {
	job := NewReconcileJob(store.NewMemStore(), nil, 0, testLogger())
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.WalletsChecked)
	assert.Empty(t, report.Drifts)
}
