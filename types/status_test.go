package types

import (
	"encoding/json"
	"testing"

	"github.com/colorfulnotion/aggregator/common"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusAggregated))
	require.True(t, StatusAggregated.CanTransition(StatusVerified))
	require.True(t, StatusVerified.CanTransition(StatusVerified))

	require.False(t, StatusPending.CanTransition(StatusVerified))
	require.False(t, StatusVerified.CanTransition(StatusAggregated))
	require.False(t, StatusAggregated.CanTransition(StatusPending))
	require.False(t, StatusAggregated.CanTransition(StatusNotFound))
	require.False(t, Status(0).CanTransition(StatusPending))
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusAggregated, StatusVerified, StatusNotFound} {
		raw, err := json.Marshal(s)
		require.NoError(t, err)
		var back Status
		require.NoError(t, json.Unmarshal(raw, &back))
		require.Equal(t, s, back)
	}
	_, err := json.Marshal(Status(0))
	require.Error(t, err)
	require.Error(t, json.Unmarshal([]byte(`"Done"`), new(Status)))
}

func TestNotFoundData(t *testing.T) {
	d := NotFoundData()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"NotFound","proof":[]}`, string(raw))
}

func TestBatchOrdering(t *testing.T) {
	a := ProofRequest{CreatedAt: 5, Seq: 2}
	b := ProofRequest{CreatedAt: 5, Seq: 3}
	c := ProofRequest{CreatedAt: 4, Seq: 9}
	require.True(t, a.Before(&b))
	require.True(t, c.Before(&a))
	require.False(t, b.Before(&a))

	batch := Batch{Requests: []ProofRequest{{ProofID: common.Hash{1}}, {ProofID: common.Hash{2}}}}
	require.Equal(t, []common.Hash{{1}, {2}}, batch.ProofIDs())
}
