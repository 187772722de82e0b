package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	sent        []*ethtypes.Transaction
	minedAt     uint64 // 0 never mines
	head        uint64
	headStep    uint64
	reverted    bool
	estimateErr error
	sendHangs   bool
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(11155111), nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &ethtypes.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: big.NewInt(7)}, nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 300_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if b.sendHangs {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minedAt == 0 {
		return nil, ethereum.NotFound
	}
	status := ethtypes.ReceiptStatusSuccessful
	if b.reverted {
		status = ethtypes.ReceiptStatusFailed
	}
	return &ethtypes.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(b.minedAt),
		GasUsed:     250_000,
	}, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head += b.headStep
	return b.head, nil
}

func (b *fakeBackend) sentTxs() []*ethtypes.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*ethtypes.Transaction(nil), b.sent...)
}

var contract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newRelayer(t *testing.T, b *fakeBackend, confirmations uint64) *EthRelayer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r, err := New(context.Background(), b, Config{
		ContractAddress: contract,
		PrivateKey:      "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		Confirmations:   confirmations,
		PollInterval:    5 * time.Millisecond,
	})
	require.NoError(t, err)
	return r
}

func aggregate() *types.AggregateProof {
	root := common.Keccak256([]byte("root"))
	return &types.AggregateProof{Proof: []byte{0xde, 0xad}, PublicValues: root.Bytes(), Commitment: root}
}

func TestSubmitConfirmed(t *testing.T) {
	b := &fakeBackend{minedAt: 10, head: 10}
	r := newRelayer(t, b, 1)
	agg := aggregate()

	receipt, err := r.Submit(context.Background(), agg.Commitment, agg)
	require.NoError(t, err)

	sent := b.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	require.Equal(t, common.Hash(tx.Hash()), receipt.TxHash)
	require.Equal(t, uint64(11155111), receipt.ChainID)
	require.Equal(t, contract, receipt.ContractAddress)
	require.Equal(t, uint64(10), receipt.BlockNumber)

	require.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, ethcommon.Address(contract), *tx.To())
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	require.Equal(t, r.From(), common.Address(from))

	method, err := r.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, verifyMethod, method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, []byte(agg.PublicValues), args[0])
	require.Equal(t, []byte(agg.Proof), args[1])
}

func TestSubmitWaitsForConfirmations(t *testing.T) {
	b := &fakeBackend{minedAt: 10, head: 9, headStep: 1}
	r := newRelayer(t, b, 3)
	agg := aggregate()

	_, err := r.Submit(context.Background(), agg.Commitment, agg)
	require.NoError(t, err)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.GreaterOrEqual(t, b.head, uint64(12))
}

func TestSubmitReverted(t *testing.T) {
	b := &fakeBackend{minedAt: 10, head: 10, reverted: true}
	r := newRelayer(t, b, 1)
	agg := aggregate()

	_, err := r.Submit(context.Background(), agg.Commitment, agg)
	require.ErrorIs(t, err, aggerrors.ErrExternalRejected)
}

func TestSubmitTimesOut(t *testing.T) {
	b := &fakeBackend{}
	r := newRelayer(t, b, 1)
	agg := aggregate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, agg.Commitment, agg)
	require.ErrorIs(t, err, aggerrors.ErrExternalTimeout)
	require.Len(t, b.sentTxs(), 1)
}

func TestSubmitSendDeadlineIsTimeout(t *testing.T) {
	b := &fakeBackend{sendHangs: true}
	r := newRelayer(t, b, 1)
	agg := aggregate()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, agg.Commitment, agg)
	require.ErrorIs(t, err, aggerrors.ErrExternalTimeout)
	require.NotErrorIs(t, err, aggerrors.ErrExternalRejected)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = r.Submit(ctx, agg.Commitment, agg)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, aggerrors.Kind(err))
}

func TestSubmitRejectedBeforeSending(t *testing.T) {
	ctx := context.Background()
	agg := aggregate()

	b := &fakeBackend{estimateErr: errors.New("execution reverted: invalid proof")}
	r := newRelayer(t, b, 1)
	_, err := r.Submit(ctx, agg.Commitment, agg)
	require.ErrorIs(t, err, aggerrors.ErrExternalRejected)
	require.Empty(t, b.sentTxs())

	b = &fakeBackend{minedAt: 1, head: 1}
	r = newRelayer(t, b, 1)
	_, err = r.Submit(ctx, common.Hash{0x01}, agg)
	require.ErrorIs(t, err, aggerrors.ErrInvariantViolation)
	require.Empty(t, b.sentTxs())
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(context.Background(), &fakeBackend{}, Config{PrivateKey: "0x1234"})
	require.Error(t, err)
}
