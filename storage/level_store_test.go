package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *testClock) set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

func newLevelStore(t *testing.T) (*LevelRequestStore, *testClock) {
	t.Helper()
	clock := &testClock{ms: 1000}
	s, err := OpenLevelRequestStore("", WithIDSource(common.NewDeterministicIDSource(t.Name())), WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func submitN(t *testing.T, s RequestStore, clock *testClock, n int) []common.Hash {
	t.Helper()
	ids := make([]common.Hash, n)
	for i := range ids {
		if clock != nil {
			clock.set(1000 + int64(i))
		}
		req, err := s.CreateRequest(context.Background(), []byte(fmt.Sprintf("proof-%d", i)), []byte("vk"))
		require.NoError(t, err)
		ids[i] = req.ProofID
	}
	return ids
}

func TestLevelCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	clock.set(-5)

	req, err := s.CreateRequest(ctx, []byte("p"), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, req.Status)
	require.Equal(t, int64(-5), req.CreatedAt)
	require.Nil(t, req.BatchID)
	require.Nil(t, req.TxContext)

	got, err := s.GetRequest(ctx, req.ProofID)
	require.NoError(t, err)
	require.Equal(t, req, got)

	_, err = s.GetRequest(ctx, common.Hash{0xff})
	require.ErrorIs(t, err, aggerrors.ErrNotFound)
}

func TestLevelSelectPendingFIFO(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)

	// Same millisecond: submission order must hold.
	clock.set(2000)
	a, err := s.CreateRequest(ctx, []byte("a"), []byte("k"))
	require.NoError(t, err)
	b, err := s.CreateRequest(ctx, []byte("b"), []byte("k"))
	require.NoError(t, err)
	clock.set(1500)
	c, err := s.CreateRequest(ctx, []byte("c"), []byte("k"))
	require.NoError(t, err)

	got, err := s.SelectPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []common.Hash{c.ProofID, a.ProofID, b.ProofID},
		[]common.Hash{got[0].ProofID, got[1].ProofID, got[2].ProofID})

	got, err = s.SelectPending(ctx, 1500, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ProofID, got[0].ProofID)

	got, err = s.SelectPending(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.SelectPending(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLevelSetBatch(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 4)
	batchID := common.Keccak256([]byte("batch-1"))

	require.NoError(t, s.SetBatch(ctx, ids[:3], batchID))

	members, err := s.BatchMembers(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, ids[:3], members)

	for _, id := range ids[:3] {
		req, err := s.GetRequest(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusAggregated, req.Status)
		require.Equal(t, batchID, *req.BatchID)
	}

	pending, err := s.SelectPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, ids[3], pending[0].ProofID)

	// Reassignment, reuse of a batch id and duplicates are all rejected
	// without touching the remaining pending row.
	err = s.SetBatch(ctx, []common.Hash{ids[0]}, common.Hash{2})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	err = s.SetBatch(ctx, []common.Hash{ids[3]}, batchID)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	err = s.SetBatch(ctx, []common.Hash{ids[3], ids[3]}, common.Hash{3})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	err = s.SetBatch(ctx, []common.Hash{ids[3], ids[1]}, common.Hash{4})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)

	req, err := s.GetRequest(ctx, ids[3])
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, req.Status)
	require.Nil(t, req.BatchID)

	_, err = s.BatchMembers(ctx, common.Hash{4})
	require.ErrorIs(t, err, aggerrors.ErrNotFound)
}

func TestLevelStatusMonotonic(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 2)

	err := s.SetStatus(ctx, ids, types.StatusVerified)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	err = s.SetStatus(ctx, ids, types.StatusAggregated)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	require.NoError(t, s.SetStatus(ctx, ids, types.StatusPending))

	require.NoError(t, s.SetBatch(ctx, ids, common.Hash{1}))
	require.NoError(t, s.SetStatus(ctx, ids, types.StatusVerified))
	require.NoError(t, s.SetStatus(ctx, ids, types.StatusVerified))

	err = s.SetStatus(ctx, ids, types.StatusPending)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	err = s.SetStatus(ctx, ids, types.StatusNotFound)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
}

func TestLevelFinalizeBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 3)
	batchID := common.Hash{7}
	require.NoError(t, s.SetBatch(ctx, ids, batchID))

	txc := types.TxContext{TxHash: common.Hash{0xaa}, ChainID: 11155111, ContractAddress: common.Address{0x01}}

	// A conflicting tx already on one member blocks the whole finalize.
	other := txc
	other.TxHash = common.Hash{0xbb}
	require.NoError(t, s.SetTxContext(ctx, ids[1:2], other))
	err := s.FinalizeBatch(ctx, batchID, &txc)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	for _, id := range []common.Hash{ids[0], ids[2]} {
		req, err := s.GetRequest(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusAggregated, req.Status)
		require.Nil(t, req.TxContext)
	}

	// On a clean batch every member gets the same context.
	ids2 := submitN(t, s, nil, 2)
	batch2 := common.Hash{8}
	require.NoError(t, s.SetBatch(ctx, ids2, batch2))
	require.NoError(t, s.FinalizeBatch(ctx, batch2, &txc))
	require.NoError(t, s.FinalizeBatch(ctx, batch2, &txc))
	for _, id := range ids2 {
		req, err := s.GetRequest(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.StatusVerified, req.Status)
		require.Equal(t, txc, *req.TxContext)
	}

	err = s.FinalizeBatch(ctx, common.Hash{9}, nil)
	require.ErrorIs(t, err, aggerrors.ErrNotFound)
}

func TestLevelTxContextRequiresBatch(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 1)
	err := s.SetTxContext(ctx, ids, types.TxContext{TxHash: common.Hash{1}})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
}

func TestLevelTreeWriteOnce(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 1)
	batchID := common.Hash{5}

	err := s.WriteTree(ctx, batchID, []byte{1})
	require.ErrorIs(t, err, aggerrors.ErrNotFound)

	require.NoError(t, s.SetBatch(ctx, ids, batchID))
	_, err = s.GetTree(ctx, batchID)
	require.ErrorIs(t, err, aggerrors.ErrNotFound)

	tree := common.Keccak256([]byte("root")).Bytes()
	require.NoError(t, s.WriteTree(ctx, batchID, tree))
	require.NoError(t, s.WriteTree(ctx, batchID, tree))
	err = s.WriteTree(ctx, batchID, []byte{2})
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)

	got, err := s.GetTree(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, tree, got)
}

func TestLevelReopenKeepsSequence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")
	clock := common.FixedClock(time.UnixMilli(42))

	s, err := OpenLevelRequestStore(dir, WithIDSource(common.NewDeterministicIDSource("a")), WithClock(clock))
	require.NoError(t, err)
	first, err := s.CreateRequest(ctx, []byte("1"), []byte("k"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenLevelRequestStore(dir, WithIDSource(common.NewDeterministicIDSource("b")), WithClock(clock))
	require.NoError(t, err)
	defer s.Close()
	second, err := s.CreateRequest(ctx, []byte("2"), []byte("k"))
	require.NoError(t, err)
	require.Greater(t, second.Seq, first.Seq)

	got, err := s.SelectPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, first.ProofID, got[0].ProofID)
	require.Equal(t, second.ProofID, got[1].ProofID)
}

func TestLevelDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	s, err := OpenLevelRequestStore("", WithIDSource(fixedIDs{}))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateRequest(ctx, []byte("1"), []byte("k"))
	require.NoError(t, err)
	_, err = s.CreateRequest(ctx, []byte("2"), []byte("k"))
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
}

type fixedIDs struct{}

func (fixedIDs) NewID() (common.Hash, error) { return common.Hash{1}, nil }

func TestLevelConcurrentBatchExclusive(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)
	ids := submitN(t, s, clock, 8)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SetBatch(ctx, ids, common.Hash{byte(0x10 + i)})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	}
	require.Equal(t, 1, ok)
}

func TestLevelSelectPendingDuringSetBatch(t *testing.T) {
	ctx := context.Background()
	s, clock := newLevelStore(t)

	for round := 0; round < 50; round++ {
		ids := submitN(t, s, clock, 32)

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				batchID := common.Hash{byte(round), byte(i), 0xbb}
				if err := s.SetBatch(ctx, ids[i*4:(i+1)*4], batchID); err != nil {
					errs <- err
				}
			}(i)
		}
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reqs, err := s.SelectPending(ctx, 0, 1000)
				if err != nil {
					errs <- err
					return
				}
				for _, r := range reqs {
					if r.Status != types.StatusPending {
						errs <- fmt.Errorf("selected %s in status %s", r.ProofID, r.Status)
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err, "round %d", round)
		}

		pending, err := s.SelectPending(ctx, 0, 1000)
		require.NoError(t, err)
		require.Empty(t, pending)
	}
}
