package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/colorfulnotion/aggregator/aggerrors"
	"github.com/colorfulnotion/aggregator/common"
	"github.com/colorfulnotion/aggregator/log"
	"github.com/colorfulnotion/aggregator/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace prefixes every method, e.g. aggregation_submit.
const Namespace = "aggregation"

// API is the JSON-RPC face of Service. Every error is mapped onto the closed
// protocol vocabulary before it leaves the process.
type API struct {
	svc *Service
}

func NewAPI(svc *Service) *API {
	return &API{svc: svc}
}

func (api *API) Submit(ctx context.Context, proof hexutil.Bytes, vk hexutil.Bytes) (common.Hash, error) {
	id, err := api.svc.Submit(ctx, proof, vk)
	return id, aggerrors.ToRPC(err)
}

func (api *API) GetStatus(ctx context.Context, proofID common.Hash) (types.Status, error) {
	status, err := api.svc.GetStatus(ctx, proofID)
	if err != nil {
		return 0, aggerrors.ToRPC(err)
	}
	return status, nil
}

// GetBatch takes both arguments as optional: created_after defaults to 0 and
// batch_size to DefaultBatchSize.
func (api *API) GetBatch(ctx context.Context, createdAfter *int64, batchSize *int) (*types.Batch, error) {
	var after int64
	if createdAfter != nil {
		after = *createdAfter
	}
	size := 0
	if batchSize != nil {
		size = *batchSize
	}
	batch, err := api.svc.GetBatch(ctx, after, size)
	return batch, aggerrors.ToRPC(err)
}

func (api *API) ProcessBatch(ctx context.Context, batchID common.Hash, requests []types.ProofRequest) ([]common.Hash, error) {
	leaves, err := api.svc.ProcessBatch(ctx, batchID, requests)
	return leaves, aggerrors.ToRPC(err)
}

func (api *API) WriteTree(ctx context.Context, batchID common.Hash, tree hexutil.Bytes) error {
	return aggerrors.ToRPC(api.svc.WriteTree(ctx, batchID, tree))
}

func (api *API) UpdateBatchStatus(ctx context.Context, batchID common.Hash, status types.Status, txc *types.TxContext) error {
	return aggerrors.ToRPC(api.svc.UpdateBatchStatus(ctx, batchID, status, txc))
}

func (api *API) GetAggregatedData(ctx context.Context, proofID common.Hash) (*types.AggregatedData, error) {
	data, err := api.svc.GetAggregatedData(ctx, proofID)
	return data, aggerrors.ToRPC(err)
}

func (api *API) GetBatchInfo(ctx context.Context, batchID common.Hash) (*types.BatchInfo, error) {
	info, err := api.svc.GetBatchInfo(ctx, batchID)
	return info, aggerrors.ToRPC(err)
}

// HTTPServer serves API over JSON-RPC on an injected listener.
type HTTPServer struct {
	rpc  *rpc.Server
	http *http.Server
}

func NewHTTPServer(svc *Service) (*HTTPServer, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, NewAPI(svc)); err != nil {
		return nil, err
	}
	return &HTTPServer{rpc: srv}, nil
}

// Start serves on ln in the background.
func (s *HTTPServer) Start(ln net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/", s.rpc)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log.Info(log.Service, "Aggregation RPC server started", "address", "http://"+ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.Service, "Aggregation RPC server error", "err", err)
		}
	}()
}

// DialInProc returns a client attached directly to the server, without a
// network hop.
func (s *HTTPServer) DialInProc() *rpc.Client {
	return rpc.DialInProc(s.rpc)
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.rpc.Stop()
	return err
}
