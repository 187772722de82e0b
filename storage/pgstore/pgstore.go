// Package pgstore is the PostgreSQL RequestStore.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/storage"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS requests (
	proof_id         BYTEA PRIMARY KEY,
	seq              BIGSERIAL NOT NULL UNIQUE,
	status           SMALLINT NOT NULL,
	proof            BYTEA NOT NULL,
	vk               BYTEA NOT NULL,
	batch_id         BYTEA,
	created_at       BIGINT NOT NULL,
	tx_hash          BYTEA,
	chain_id         BIGINT,
	contract_address BYTEA
);
CREATE INDEX IF NOT EXISTS requests_pending_idx ON requests (created_at, seq) WHERE status = 0;
CREATE TABLE IF NOT EXISTS batch_members (
	batch_id BYTEA NOT NULL,
	position INTEGER NOT NULL,
	proof_id BYTEA NOT NULL UNIQUE REFERENCES requests (proof_id),
	PRIMARY KEY (batch_id, position)
);
CREATE TABLE IF NOT EXISTS merkle_trees (
	batch_id BYTEA PRIMARY KEY,
	tree     BYTEA NOT NULL
);
`

const requestColumns = `proof_id, seq, status, proof, vk, batch_id, created_at, tx_hash, chain_id, contract_address`

const uniqueViolation = "23505"

type execQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore keeps requests, batch membership and trees in three tables.
// Multi-row mutations run in one transaction that locks the affected rows.
type PostgresStore struct {
	*pgxpool.Pool
	opts storage.Options
}

var _ storage.RequestStore = (*PostgresStore)(nil)

// Open connects to dsn and creates the schema if needed.
func Open(ctx context.Context, dsn string, opts ...storage.Option) (*PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", aggerrors.ErrStorageFailure, err)
	}
	p := &PostgresStore{Pool: pool, opts: storage.ApplyOptions(opts...)}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Migrate applies the schema. It is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, schemaSQL); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.Pool.Close()
	return nil
}

func storageErr(op string, err error) error {
	if aggerrors.Kind(err) != nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", aggerrors.ErrStorageFailure, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func idArgs(ids []common.Hash) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = id.Bytes()
	}
	return out
}

func scanRequest(row pgx.Row) (*types.ProofRequest, error) {
	var (
		proofID, batchID, txHash, contract []byte
		seq, createdAt                     int64
		status                             int16
		chainID                            *int64
		proof, vk                          []byte
	)
	if err := row.Scan(&proofID, &seq, &status, &proof, &vk, &batchID, &createdAt, &txHash, &chainID, &contract); err != nil {
		return nil, err
	}
	s, ok := storage.DecodeStatus(uint8(status))
	if !ok || status < 0 {
		return nil, fmt.Errorf("%w: proof %x has status code %d", aggerrors.ErrStorageFailure, proofID, status)
	}
	req := &types.ProofRequest{
		ProofID:         common.BytesToHash(proofID),
		Status:          s,
		Proof:           proof,
		VerificationKey: vk,
		CreatedAt:       createdAt,
		Seq:             uint64(seq),
	}
	if batchID != nil {
		id := common.BytesToHash(batchID)
		req.BatchID = &id
	}
	if txHash != nil {
		req.TxContext = &types.TxContext{
			TxHash:          common.BytesToHash(txHash),
			ContractAddress: common.BytesToAddress(contract),
		}
		if chainID != nil {
			req.TxContext.ChainID = uint64(*chainID)
		}
	}
	return req, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, proof, vk []byte) (*types.ProofRequest, error) {
	id, err := p.opts.IDs.NewID()
	if err != nil {
		return nil, storageErr("generate proof id", err)
	}
	code, _ := storage.EncodeStatus(types.StatusPending)
	const insertSQL = `INSERT INTO requests (proof_id, status, proof, vk, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING ` + requestColumns
	row := p.QueryRow(ctx, insertSQL, id.Bytes(), int16(code), proof, vk, p.opts.Clock.NowMillis())
	req, err := scanRequest(row)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: proof id %s already issued", aggerrors.ErrInvariantViolation, id)
	}
	if err != nil {
		return nil, storageErr("insert request", err)
	}
	log.Trace(log.Store, "CreateRequest", "proofID", id, "seq", req.Seq)
	return req, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, proofID common.Hash) (*types.ProofRequest, error) {
	const getSQL = `SELECT ` + requestColumns + ` FROM requests WHERE proof_id = $1`
	req, err := scanRequest(p.QueryRow(ctx, getSQL, proofID.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: proof %s", aggerrors.ErrNotFound, proofID)
	}
	if err != nil {
		return nil, storageErr("get request", err)
	}
	return req, nil
}

func collect(rows pgx.Rows) ([]types.ProofRequest, error) {
	defer rows.Close()
	out := make([]types.ProofRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SelectPending(ctx context.Context, createdAfter int64, limit int) ([]types.ProofRequest, error) {
	if limit <= 0 {
		return make([]types.ProofRequest, 0), nil
	}
	code, _ := storage.EncodeStatus(types.StatusPending)
	const selectSQL = `SELECT ` + requestColumns + ` FROM requests
		WHERE status = $1 AND created_at > $2
		ORDER BY created_at ASC, seq ASC LIMIT $3`
	rows, err := p.Query(ctx, selectSQL, int16(code), createdAfter, limit)
	if err != nil {
		return nil, storageErr("select pending", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, storageErr("select pending", err)
	}
	return out, nil
}

// lockRequests loads and row-locks ids inside tx, returned in the order given.
func lockRequests(ctx context.Context, e execQuerier, ids []common.Hash) ([]*types.ProofRequest, error) {
	if dup, ok := storage.UniqueIDs(ids); !ok {
		return nil, fmt.Errorf("%w: proof %s listed twice", aggerrors.ErrInvariantViolation, dup)
	}
	const lockSQL = `SELECT ` + requestColumns + ` FROM requests WHERE proof_id = ANY($1) FOR UPDATE`
	rows, err := e.Query(ctx, lockSQL, idArgs(ids))
	if err != nil {
		return nil, storageErr("lock requests", err)
	}
	found, err := collect(rows)
	if err != nil {
		return nil, storageErr("lock requests", err)
	}
	byID := make(map[common.Hash]*types.ProofRequest, len(found))
	for i := range found {
		byID[found[i].ProofID] = &found[i]
	}
	out := make([]*types.ProofRequest, len(ids))
	for i, id := range ids {
		req, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: proof %s", aggerrors.ErrNotFound, id)
		}
		out[i] = req
	}
	return out, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (p *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return storageErr(op+": begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := fn(tx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s: %v", aggerrors.ErrInvariantViolation, op, err)
		}
		return storageErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s: %v", aggerrors.ErrInvariantViolation, op, err)
		}
		return storageErr(op+": commit", err)
	}
	return nil
}

func (p *PostgresStore) SetBatch(ctx context.Context, proofIDs []common.Hash, batchID common.Hash) error {
	if len(proofIDs) == 0 {
		return fmt.Errorf("%w: batch %s has no members", aggerrors.ErrInvariantViolation, batchID)
	}
	err := p.inTx(ctx, "set batch", func(tx pgx.Tx) error {
		var used bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_members WHERE batch_id = $1)`, batchID.Bytes()).Scan(&used); err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%w: batch id %s already assigned", aggerrors.ErrInvariantViolation, batchID)
		}
		reqs, err := lockRequests(ctx, tx, proofIDs)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if req.Status != types.StatusPending || req.BatchID != nil {
				return fmt.Errorf("%w: proof %s is not pending", aggerrors.ErrInvariantViolation, req.ProofID)
			}
		}
		code, _ := storage.EncodeStatus(types.StatusAggregated)
		if _, err := tx.Exec(ctx, `UPDATE requests SET status = $1, batch_id = $2 WHERE proof_id = ANY($3)`,
			int16(code), batchID.Bytes(), idArgs(proofIDs)); err != nil {
			return err
		}
		b := &pgx.Batch{}
		for i, id := range proofIDs {
			b.Queue(`INSERT INTO batch_members (batch_id, position, proof_id) VALUES ($1, $2, $3)`, batchID.Bytes(), i, id.Bytes())
		}
		br := tx.SendBatch(ctx, b)
		for range proofIDs {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return err
	}
	log.Debug(log.Store, "SetBatch", "batchID", batchID, "members", len(proofIDs))
	return nil
}

// applyLocked validates every request with check before issuing any write.
func applyLocked(ctx context.Context, tx pgx.Tx, ids []common.Hash, check func(*types.ProofRequest) (bool, error), update string, args func(*types.ProofRequest) []interface{}) error {
	reqs, err := lockRequests(ctx, tx, ids)
	if err != nil {
		return err
	}
	changed := make([]*types.ProofRequest, 0, len(reqs))
	for _, req := range reqs {
		ok, err := check(req)
		if err != nil {
			return err
		}
		if ok {
			changed = append(changed, req)
		}
	}
	for _, req := range changed {
		if _, err := tx.Exec(ctx, update, args(req)...); err != nil {
			return err
		}
	}
	return nil
}

const (
	updateStatusSQL = `UPDATE requests SET status = $2 WHERE proof_id = $1`
	updateTxSQL     = `UPDATE requests SET tx_hash = $2, chain_id = $3, contract_address = $4 WHERE proof_id = $1`
	updateBothSQL   = `UPDATE requests SET status = $2, tx_hash = $3, chain_id = $4, contract_address = $5 WHERE proof_id = $1`
)

func (p *PostgresStore) SetStatus(ctx context.Context, proofIDs []common.Hash, status types.Status) error {
	code, ok := storage.EncodeStatus(status)
	if !ok {
		return fmt.Errorf("%w: %s is not a stored status", aggerrors.ErrInvariantViolation, status)
	}
	return p.inTx(ctx, "set status", func(tx pgx.Tx) error {
		return applyLocked(ctx, tx, proofIDs,
			func(req *types.ProofRequest) (bool, error) {
				return storage.CheckTransition(req.ProofID, req.Status, status)
			},
			updateStatusSQL,
			func(req *types.ProofRequest) []interface{} { return []interface{}{req.ProofID.Bytes(), int16(code)} })
	})
}

func (p *PostgresStore) SetTxContext(ctx context.Context, proofIDs []common.Hash, txc types.TxContext) error {
	return p.inTx(ctx, "set tx context", func(tx pgx.Tx) error {
		return applyLocked(ctx, tx, proofIDs,
			func(req *types.ProofRequest) (bool, error) {
				return storage.CheckTxContext(req.ProofID, req.BatchID != nil, req.TxContext, txc)
			},
			updateTxSQL,
			func(req *types.ProofRequest) []interface{} {
				return []interface{}{req.ProofID.Bytes(), txc.TxHash.Bytes(), int64(txc.ChainID), txc.ContractAddress.Bytes()}
			})
	})
}

func (p *PostgresStore) FinalizeBatch(ctx context.Context, batchID common.Hash, txc *types.TxContext) error {
	members, err := p.BatchMembers(ctx, batchID)
	if err != nil {
		return err
	}
	code, _ := storage.EncodeStatus(types.StatusVerified)
	err = p.inTx(ctx, "finalize batch", func(tx pgx.Tx) error {
		return applyLocked(ctx, tx, members,
			func(req *types.ProofRequest) (bool, error) {
				if req.BatchID == nil || *req.BatchID != batchID {
					return false, fmt.Errorf("%w: proof %s is not in batch %s", aggerrors.ErrInvariantViolation, req.ProofID, batchID)
				}
				statusChanged, err := storage.CheckTransition(req.ProofID, req.Status, types.StatusVerified)
				if err != nil {
					return false, err
				}
				txChanged := false
				if txc != nil {
					if txChanged, err = storage.CheckTxContext(req.ProofID, true, req.TxContext, *txc); err != nil {
						return false, err
					}
				}
				return statusChanged || txChanged, nil
			},
			pickFinalizeSQL(txc),
			func(req *types.ProofRequest) []interface{} {
				if txc == nil {
					return []interface{}{req.ProofID.Bytes(), int16(code)}
				}
				return []interface{}{req.ProofID.Bytes(), int16(code), txc.TxHash.Bytes(), int64(txc.ChainID), txc.ContractAddress.Bytes()}
			})
	})
	if err != nil {
		return err
	}
	log.Debug(log.Store, "FinalizeBatch", "batchID", batchID, "members", len(members))
	return nil
}

func pickFinalizeSQL(txc *types.TxContext) string {
	if txc == nil {
		return updateStatusSQL
	}
	return updateBothSQL
}

func (p *PostgresStore) BatchMembers(ctx context.Context, batchID common.Hash) ([]common.Hash, error) {
	rows, err := p.Query(ctx, `SELECT proof_id FROM batch_members WHERE batch_id = $1 ORDER BY position ASC`, batchID.Bytes())
	if err != nil {
		return nil, storageErr("batch members", err)
	}
	defer rows.Close()
	var members []common.Hash
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("batch members", err)
		}
		members = append(members, common.BytesToHash(id))
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("batch members", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: batch %s", aggerrors.ErrNotFound, batchID)
	}
	return members, nil
}

func (p *PostgresStore) WriteTree(ctx context.Context, batchID common.Hash, tree []byte) error {
	return p.inTx(ctx, "write tree", func(tx pgx.Tx) error {
		var known bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_members WHERE batch_id = $1)`, batchID.Bytes()).Scan(&known); err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("%w: batch %s", aggerrors.ErrNotFound, batchID)
		}
		var existing []byte
		err := tx.QueryRow(ctx, `SELECT tree FROM merkle_trees WHERE batch_id = $1 FOR UPDATE`, batchID.Bytes()).Scan(&existing)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx, `INSERT INTO merkle_trees (batch_id, tree) VALUES ($1, $2)`, batchID.Bytes(), tree)
			return err
		case err != nil:
			return err
		case string(existing) == string(tree):
			return nil
		default:
			return fmt.Errorf("%w: batch %s already has a different tree", aggerrors.ErrInvariantViolation, batchID)
		}
	})
}

func (p *PostgresStore) GetTree(ctx context.Context, batchID common.Hash) ([]byte, error) {
	var tree []byte
	err := p.QueryRow(ctx, `SELECT tree FROM merkle_trees WHERE batch_id = $1`, batchID.Bytes()).Scan(&tree)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: tree for batch %s", aggerrors.ErrNotFound, batchID)
	}
	if err != nil {
		return nil, storageErr("get tree", err)
	}
	return tree, nil
}
