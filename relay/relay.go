// Package relay submits aggregate proofs to the on-chain aggregation
// verifier and waits for them to be confirmed.
package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/telemetry"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/attribute"
)

const verifierABI = `[{
	"type": "function",
	"name": "verifyAggregationProof",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "publicValues", "type": "bytes"},
		{"name": "proofBytes", "type": "bytes"}
	],
	"outputs": []
}]`

const verifyMethod = "verifyAggregationProof"

// Backend is the slice of an Ethereum client the relayer needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds the chain target and signing credentials.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
	PrivateKey      string // hex, with or without 0x
	ChainID         uint64 // 0 asks the node
	Confirmations   uint64
	GasLimit        uint64 // 0 estimates
	PollInterval    time.Duration
}

// EthRelayer signs and sends verifyAggregationProof transactions.
type EthRelayer struct {
	backend  Backend
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     ethcommon.Address
	contract ethcommon.Address
	chainID  *big.Int
	signer   ethtypes.Signer
	cfg      Config
}

// Dial connects to cfg.RPCURL and builds a relayer on it.
func Dial(ctx context.Context, cfg Config) (*EthRelayer, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethclient.Dial rpcUrl: %s err: %w", cfg.RPCURL, err)
	}
	return New(ctx, ec, cfg)
}

func New(ctx context.Context, backend Backend, cfg Config) (*EthRelayer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(verifierABI))
	if err != nil {
		return nil, fmt.Errorf("verifier abi: %w", err)
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &EthRelayer{
		backend:  backend,
		abi:      parsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: ethcommon.Address(cfg.ContractAddress),
		chainID:  chainID,
		signer:   ethtypes.LatestSignerForChainID(chainID),
		cfg:      cfg,
	}, nil
}

// From is the sending account.
func (r *EthRelayer) From() common.Address {
	return common.Address(r.from)
}

// Submit sends the aggregate proof and blocks until the transaction has the
// configured confirmations or ctx ends. A reverted or refused transaction
// wraps ErrExternalRejected; running out of time after sending wraps
// ErrExternalTimeout.
func (r *EthRelayer) Submit(ctx context.Context, commitment common.Hash, proof *types.AggregateProof) (receipt *types.TxReceipt, err error) {
	ctx, span := telemetry.StartSpan(ctx, "relay.submit", attribute.String("commitment", commitment.Hex()))
	defer func() { telemetry.EndSpan(span, err) }()

	if proof.Commitment != commitment {
		return nil, fmt.Errorf("%w: proof commits to %s, expected %s", aggerrors.ErrInvariantViolation, proof.Commitment, commitment)
	}
	tx, err := r.buildTx(ctx, proof)
	if err != nil {
		return nil, err
	}
	if err := r.backend.SendTransaction(ctx, tx); err != nil {
		return nil, backendErr(ctx, "send", err)
	}
	log.Info(log.Relay, "EthRelayer: tx sent",
		"hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"contract", r.contract.Hex())
	span.SetAttributes(attribute.String("tx_hash", tx.Hash().Hex()))

	mined, err := r.waitConfirmed(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	log.Info(log.Relay, "EthRelayer: tx confirmed",
		"hash", tx.Hash().Hex(),
		"block", mined.BlockNumber,
		"gasUsed", mined.GasUsed)
	return &types.TxReceipt{
		TxContext: types.TxContext{
			TxHash:          common.Hash(tx.Hash()),
			ChainID:         r.chainID.Uint64(),
			ContractAddress: common.Address(r.contract),
		},
		BlockNumber: mined.BlockNumber.Uint64(),
	}, nil
}

func (r *EthRelayer) buildTx(ctx context.Context, proof *types.AggregateProof) (*ethtypes.Transaction, error) {
	data, err := r.abi.Pack(verifyMethod, []byte(proof.PublicValues), []byte(proof.Proof))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", verifyMethod, err)
	}
	nonce, err := r.backend.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("nonce for %s: %w", r.from.Hex(), err)
	}
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas := r.cfg.GasLimit
	if gas == 0 {
		gas, err = r.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:      r.from,
			To:        &r.contract,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Data:      data,
		})
		if err != nil {
			// The verifier reverts on an invalid proof.
			return nil, backendErr(ctx, "estimate gas", err)
		}
	}
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &r.contract,
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, r.signer, r.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

// backendErr classifies a failed node call. A call cut short by ctx's
// deadline is a timeout, not a refusal.
func backendErr(ctx context.Context, op string, err error) error {
	switch cerr := ctx.Err(); {
	case errors.Is(cerr, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", aggerrors.ErrExternalTimeout, op, err)
	case cerr != nil:
		return fmt.Errorf("%s: %w", op, cerr)
	}
	return fmt.Errorf("%w: %s: %v", aggerrors.ErrExternalRejected, op, err)
}

func (r *EthRelayer) waitConfirmed(ctx context.Context, hash ethcommon.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var mined *ethtypes.Receipt
	for {
		if mined == nil {
			receipt, err := r.backend.TransactionReceipt(ctx, hash)
			switch {
			case err == nil:
				if receipt.Status != ethtypes.ReceiptStatusSuccessful {
					return nil, fmt.Errorf("%w: tx %s reverted in block %d", aggerrors.ErrExternalRejected, hash.Hex(), receipt.BlockNumber)
				}
				mined = receipt
			case errors.Is(err, ethereum.NotFound):
			default:
				if ctx.Err() == nil {
					log.Warn(log.Relay, "EthRelayer: receipt lookup failed", "hash", hash.Hex(), "err", err)
				}
			}
		}
		if mined != nil {
			head, err := r.backend.BlockNumber(ctx)
			if err == nil && head+1 >= mined.BlockNumber.Uint64()+r.cfg.Confirmations {
				return mined, nil
			}
		}
		select {
		case <-ctx.Done():
			if mined == nil {
				return nil, fmt.Errorf("%w: tx %s not mined: %v", aggerrors.ErrExternalTimeout, hash.Hex(), ctx.Err())
			}
			return nil, fmt.Errorf("%w: tx %s mined but lacks %d confirmations: %v", aggerrors.ErrExternalTimeout, hash.Hex(), r.cfg.Confirmations, ctx.Err())
		case <-ticker.C:
		}
	}
}
