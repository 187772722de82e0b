package storage

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
)

// Key layout:
//
//	req/<proof_id>                          RLP requestRecord
//	pend/<created_at BE><seq BE><proof_id>  empty, present while Pending
//	batch/<batch_id>                        RLP batchRecord
//	tree/<batch_id>                         serialized tree
//	meta/seq                                last issued sequence number
var (
	prefixRequest = []byte("req/")
	prefixPending = []byte("pend/")
	prefixBatch   = []byte("batch/")
	prefixTree    = []byte("tree/")
	keySeq        = []byte("meta/seq")
)

type requestRecord struct {
	ProofID   common.Hash
	Status    uint8
	Proof     []byte
	VK        []byte
	BatchID   []byte
	CreatedAt uint64 // sign-flipped so byte order matches int64 order
	Seq       uint64
	TxHash    []byte
	ChainID   uint64
	Contract  []byte
}

type batchRecord struct {
	Members []common.Hash
}

func orderedTime(ms int64) uint64 { return uint64(ms) ^ (1 << 63) }
func fromOrderedTime(v uint64) int64 { return int64(v ^ (1 << 63)) }

func withPrefix(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func requestKey(id common.Hash) []byte { return withPrefix(prefixRequest, id[:]) }
func batchKey(id common.Hash) []byte   { return withPrefix(prefixBatch, id[:]) }
func treeKey(id common.Hash) []byte    { return withPrefix(prefixTree, id[:]) }

func pendingKey(rec *requestRecord) []byte {
	return withPrefix(prefixPending, common.Uint64ToBytesBE(rec.CreatedAt), common.Uint64ToBytesBE(rec.Seq), rec.ProofID[:])
}

// LevelRequestStore is the LevelDB RequestStore. Mutations are serialized by
// a writer mutex and each lands as one leveldb.Batch; readers never see a
// partially applied mutation.
type LevelRequestStore struct {
	ps   *PersistenceStore
	opts Options

	mu  sync.Mutex
	seq uint64
}

var _ RequestStore = (*LevelRequestStore)(nil)

func NewLevelRequestStore(ps *PersistenceStore, opts ...Option) (*LevelRequestStore, error) {
	s := &LevelRequestStore{ps: ps, opts: ApplyOptions(opts...)}
	raw, ok, err := ps.Get(keySeq)
	if err != nil {
		return nil, fmt.Errorf("%w: load sequence: %v", aggerrors.ErrStorageFailure, err)
	}
	if ok {
		if len(raw) != 8 {
			return nil, fmt.Errorf("%w: corrupt sequence record", aggerrors.ErrStorageFailure)
		}
		s.seq = common.BytesToUint64BE(raw)
	}
	return s, nil
}

// OpenLevelRequestStore opens (or creates) a LevelDB store at path. An empty
// path is an in-memory store.
func OpenLevelRequestStore(path string, opts ...Option) (*LevelRequestStore, error) {
	ps, err := NewPersistenceStore(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aggerrors.ErrStorageFailure, err)
	}
	s, err := NewLevelRequestStore(ps, opts...)
	if err != nil {
		ps.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelRequestStore) Close() error {
	return s.ps.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", aggerrors.ErrStorageFailure, op, err)
}

type getter interface {
	Get(key []byte) ([]byte, bool, error)
}

func (s *LevelRequestStore) load(id common.Hash) (*requestRecord, error) {
	return loadFrom(s.ps, id)
}

func loadFrom(g getter, id common.Hash) (*requestRecord, error) {
	raw, ok, err := g.Get(requestKey(id))
	if err != nil {
		return nil, storageErr("get request", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: proof %s", aggerrors.ErrNotFound, id)
	}
	var rec requestRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, storageErr("decode request "+id.Hex(), err)
	}
	return &rec, nil
}

func (s *LevelRequestStore) loadAll(ids []common.Hash) ([]*requestRecord, error) {
	recs := make([]*requestRecord, len(ids))
	for i, id := range ids {
		rec, err := s.load(id)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return recs, nil
}

func putRecord(b *leveldb.Batch, rec *requestRecord) error {
	raw, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return storageErr("encode request", err)
	}
	b.Put(requestKey(rec.ProofID), raw)
	return nil
}

func (s *LevelRequestStore) write(b *leveldb.Batch) error {
	if err := s.ps.Write(b); err != nil {
		return storageErr("write", err)
	}
	return nil
}

func toRequest(rec *requestRecord) (*types.ProofRequest, error) {
	status, ok := DecodeStatus(rec.Status)
	if !ok {
		return nil, fmt.Errorf("%w: proof %s has status code %d", aggerrors.ErrStorageFailure, rec.ProofID, rec.Status)
	}
	req := &types.ProofRequest{
		ProofID:         rec.ProofID,
		Status:          status,
		Proof:           rec.Proof,
		VerificationKey: rec.VK,
		CreatedAt:       fromOrderedTime(rec.CreatedAt),
		Seq:             rec.Seq,
	}
	if len(rec.BatchID) > 0 {
		id := common.BytesToHash(rec.BatchID)
		req.BatchID = &id
	}
	if len(rec.TxHash) > 0 {
		req.TxContext = &types.TxContext{
			TxHash:          common.BytesToHash(rec.TxHash),
			ChainID:         rec.ChainID,
			ContractAddress: common.BytesToAddress(rec.Contract),
		}
	}
	return req, nil
}

func (s *LevelRequestStore) CreateRequest(ctx context.Context, proof, vk []byte) (*types.ProofRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := s.opts.IDs.NewID()
	if err != nil {
		return nil, storageErr("generate proof id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.ps.Has(requestKey(id))
	if err != nil {
		return nil, storageErr("check proof id", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: proof id %s already issued", aggerrors.ErrInvariantViolation, id)
	}

	code, _ := EncodeStatus(types.StatusPending)
	rec := &requestRecord{
		ProofID:   id,
		Status:    code,
		Proof:     append([]byte(nil), proof...),
		VK:        append([]byte(nil), vk...),
		CreatedAt: orderedTime(s.opts.Clock.NowMillis()),
		Seq:       s.seq + 1,
	}
	b := new(leveldb.Batch)
	if err := putRecord(b, rec); err != nil {
		return nil, err
	}
	b.Put(pendingKey(rec), nil)
	b.Put(keySeq, common.Uint64ToBytesBE(rec.Seq))
	if err := s.write(b); err != nil {
		return nil, err
	}
	s.seq = rec.Seq
	log.Trace(log.Store, "CreateRequest", "proofID", id, "seq", rec.Seq)
	return toRequest(rec)
}

func (s *LevelRequestStore) GetRequest(ctx context.Context, proofID common.Hash) (*types.ProofRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.load(proofID)
	if err != nil {
		return nil, err
	}
	return toRequest(rec)
}

func (s *LevelRequestStore) SelectPending(ctx context.Context, createdAfter int64, limit int) ([]types.ProofRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.ProofRequest, 0)
	if limit <= 0 || createdAfter == math.MaxInt64 {
		return out, nil
	}
	// The index and the records are read from one snapshot so a batch
	// assigned mid-scan is either wholly visible or not at all.
	snap, err := s.ps.Snapshot()
	if err != nil {
		return nil, storageErr("select pending", err)
	}
	defer snap.Release()

	start := withPrefix(prefixPending, common.Uint64ToBytesBE(orderedTime(createdAfter+1)))
	err = snap.IterateFrom(prefixPending, start, func(key, _ []byte) (bool, error) {
		id := common.BytesToHash(key[len(key)-common.HashLength:])
		rec, err := loadFrom(snap, id)
		if err != nil {
			return false, err
		}
		req, err := toRequest(rec)
		if err != nil {
			return false, err
		}
		// The index entry and the record are written together, so a
		// mismatch here means the index is stale.
		if req.Status != types.StatusPending {
			return false, fmt.Errorf("%w: pending index lists %s in status %s", aggerrors.ErrStorageFailure, id, req.Status)
		}
		out = append(out, *req)
		return len(out) < limit, nil
	})
	if err != nil {
		if aggerrors.Kind(err) == nil {
			err = storageErr("select pending", err)
		}
		return nil, err
	}
	return out, nil
}

func (s *LevelRequestStore) SetBatch(ctx context.Context, proofIDs []common.Hash, batchID common.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(proofIDs) == 0 {
		return fmt.Errorf("%w: batch %s has no members", aggerrors.ErrInvariantViolation, batchID)
	}
	if dup, ok := UniqueIDs(proofIDs); !ok {
		return fmt.Errorf("%w: proof %s listed twice", aggerrors.ErrInvariantViolation, dup)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.ps.Has(batchKey(batchID))
	if err != nil {
		return storageErr("check batch", err)
	}
	if used {
		return fmt.Errorf("%w: batch id %s already assigned", aggerrors.ErrInvariantViolation, batchID)
	}
	recs, err := s.loadAll(proofIDs)
	if err != nil {
		return err
	}
	pending, _ := EncodeStatus(types.StatusPending)
	aggregated, _ := EncodeStatus(types.StatusAggregated)
	b := new(leveldb.Batch)
	for _, rec := range recs {
		if rec.Status != pending || len(rec.BatchID) > 0 {
			return fmt.Errorf("%w: proof %s is not pending", aggerrors.ErrInvariantViolation, rec.ProofID)
		}
		b.Delete(pendingKey(rec))
		rec.Status = aggregated
		rec.BatchID = batchID.Bytes()
		if err := putRecord(b, rec); err != nil {
			return err
		}
	}
	raw, err := rlp.EncodeToBytes(&batchRecord{Members: proofIDs})
	if err != nil {
		return storageErr("encode batch", err)
	}
	b.Put(batchKey(batchID), raw)
	if err := s.write(b); err != nil {
		return err
	}
	log.Debug(log.Store, "SetBatch", "batchID", batchID, "members", len(proofIDs))
	return nil
}

// transition validates and applies status to rec in memory.
func transition(rec *requestRecord, status types.Status) error {
	current, ok := DecodeStatus(rec.Status)
	if !ok {
		return fmt.Errorf("%w: proof %s has status code %d", aggerrors.ErrStorageFailure, rec.ProofID, rec.Status)
	}
	changed, err := CheckTransition(rec.ProofID, current, status)
	if err != nil || !changed {
		return err
	}
	rec.Status, _ = EncodeStatus(status)
	return nil
}

// attachTx validates and applies txc to rec in memory.
func attachTx(rec *requestRecord, txc types.TxContext) error {
	var existing *types.TxContext
	if len(rec.TxHash) > 0 {
		existing = &types.TxContext{
			TxHash:          common.BytesToHash(rec.TxHash),
			ChainID:         rec.ChainID,
			ContractAddress: common.BytesToAddress(rec.Contract),
		}
	}
	changed, err := CheckTxContext(rec.ProofID, len(rec.BatchID) > 0, existing, txc)
	if err != nil || !changed {
		return err
	}
	rec.TxHash = txc.TxHash.Bytes()
	rec.ChainID = txc.ChainID
	rec.Contract = txc.ContractAddress.Bytes()
	return nil
}

func (s *LevelRequestStore) mutate(ctx context.Context, proofIDs []common.Hash, apply func(*requestRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dup, ok := UniqueIDs(proofIDs); !ok {
		return fmt.Errorf("%w: proof %s listed twice", aggerrors.ErrInvariantViolation, dup)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.loadAll(proofIDs)
	if err != nil {
		return err
	}
	b := new(leveldb.Batch)
	for _, rec := range recs {
		if err := apply(rec); err != nil {
			return err
		}
		if err := putRecord(b, rec); err != nil {
			return err
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return s.write(b)
}

func (s *LevelRequestStore) SetStatus(ctx context.Context, proofIDs []common.Hash, status types.Status) error {
	if !status.Stored() {
		return fmt.Errorf("%w: %s is not a stored status", aggerrors.ErrInvariantViolation, status)
	}
	return s.mutate(ctx, proofIDs, func(rec *requestRecord) error {
		return transition(rec, status)
	})
}

func (s *LevelRequestStore) SetTxContext(ctx context.Context, proofIDs []common.Hash, txc types.TxContext) error {
	return s.mutate(ctx, proofIDs, func(rec *requestRecord) error {
		return attachTx(rec, txc)
	})
}

func (s *LevelRequestStore) FinalizeBatch(ctx context.Context, batchID common.Hash, txc *types.TxContext) error {
	members, err := s.BatchMembers(ctx, batchID)
	if err != nil {
		return err
	}
	err = s.mutate(ctx, members, func(rec *requestRecord) error {
		if !bytes.Equal(rec.BatchID, batchID.Bytes()) {
			return fmt.Errorf("%w: proof %s is not in batch %s", aggerrors.ErrInvariantViolation, rec.ProofID, batchID)
		}
		if err := transition(rec, types.StatusVerified); err != nil {
			return err
		}
		if txc != nil {
			return attachTx(rec, *txc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug(log.Store, "FinalizeBatch", "batchID", batchID, "members", len(members))
	return nil
}

func (s *LevelRequestStore) BatchMembers(ctx context.Context, batchID common.Hash) ([]common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok, err := s.ps.Get(batchKey(batchID))
	if err != nil {
		return nil, storageErr("get batch", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", aggerrors.ErrNotFound, batchID)
	}
	var rec batchRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, storageErr("decode batch "+batchID.Hex(), err)
	}
	return rec.Members, nil
}

func (s *LevelRequestStore) WriteTree(ctx context.Context, batchID common.Hash, tree []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.ps.Has(batchKey(batchID))
	if err != nil {
		return storageErr("check batch", err)
	}
	if !known {
		return fmt.Errorf("%w: batch %s", aggerrors.ErrNotFound, batchID)
	}
	existing, ok, err := s.ps.Get(treeKey(batchID))
	if err != nil {
		return storageErr("get tree", err)
	}
	if ok {
		if bytes.Equal(existing, tree) {
			return nil
		}
		return fmt.Errorf("%w: batch %s already has a different tree", aggerrors.ErrInvariantViolation, batchID)
	}
	if err := s.ps.Put(treeKey(batchID), tree); err != nil {
		return storageErr("put tree", err)
	}
	return nil
}

func (s *LevelRequestStore) GetTree(ctx context.Context, batchID common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, ok, err := s.ps.Get(treeKey(batchID))
	if err != nil {
		return nil, storageErr("get tree", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: tree for batch %s", aggerrors.ErrNotFound, batchID)
	}
	return raw, nil
}
