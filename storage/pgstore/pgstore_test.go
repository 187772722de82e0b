package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/storage"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/stretchr/testify/require"
)

// Set AGGREGATOR_TEST_POSTGRES to a disposable database DSN to run these.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("AGGREGATOR_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("AGGREGATOR_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	p, err := Open(ctx, dsn, storage.WithIDSource(common.NewDeterministicIDSource(t.Name()+time.Now().String())))
	require.NoError(t, err)
	_, err = p.Exec(ctx, `TRUNCATE merkle_trees, batch_members, requests`)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestStore(t)

	var ids []common.Hash
	for i := 0; i < 3; i++ {
		req, err := p.CreateRequest(ctx, []byte{byte(i)}, []byte("vk"))
		require.NoError(t, err)
		require.Equal(t, types.StatusPending, req.Status)
		ids = append(ids, req.ProofID)
	}

	pending, err := p.SelectPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i := range ids {
		require.Equal(t, ids[i], pending[i].ProofID)
	}

	batchID := common.Hash{0xb1}
	require.NoError(t, p.SetBatch(ctx, ids[:2], batchID))
	err = p.SetBatch(ctx, ids[1:], common.Hash{0xb2})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)

	members, err := p.BatchMembers(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, ids[:2], members)

	pending, err = p.SelectPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, p.WriteTree(ctx, batchID, []byte{1, 2, 3}))
	require.NoError(t, p.WriteTree(ctx, batchID, []byte{1, 2, 3}))
	require.ErrorIs(t, p.WriteTree(ctx, batchID, []byte{9}), aggerrors.ErrInvariantViolation)

	txc := types.TxContext{TxHash: common.Hash{0xcc}, ChainID: 1, ContractAddress: common.Address{0x02}}
	require.NoError(t, p.FinalizeBatch(ctx, batchID, &txc))
	for _, id := range ids[:2] {
		req, err := p.GetRequest(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusVerified, req.Status)
		require.Equal(t, txc, *req.TxContext)
	}

	_, err = p.GetRequest(ctx, common.Hash{0xee})
	require.ErrorIs(t, err, aggerrors.ErrNotFound)
	require.ErrorIs(t, p.SetStatus(ctx, ids[2:], types.StatusVerified), aggerrors.ErrInvariantViolation)
}
