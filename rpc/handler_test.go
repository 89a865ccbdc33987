package rpc_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/consensusworker"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/pool"
	"github.com/tolelom/tolchain/rpc"
)

var errRejected = errors.New("operation rejected")

// fakeWorker answers exactly one command off cmdCh the way consensusworker's
// event loop would, without pulling in the full worker's dependency graph.
func fakeWorker(t *testing.T, cmdCh <-chan consensusworker.Command, handle func(consensusworker.Command)) {
	t.Helper()
	go func() {
		cmd := <-cmdCh
		handle(cmd)
	}()
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h := rpc.NewHandler(make(chan consensusworker.Command), pool.New())
	resp := h.Dispatch(rpc.Request{ID: 1, Method: "no_such_method"})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchGetMempoolSizeReadsPoolDirectly(t *testing.T) {
	p := pool.New()
	h := rpc.NewHandler(make(chan consensusworker.Command), p)
	resp := h.Dispatch(rpc.Request{ID: 1, Method: "getMempoolSize"})
	require.Nil(t, resp.Error)
	require.Equal(t, 0, resp.Result)
}

func TestDispatchGetBlockGraphStatusRoutesThroughCommandChannel(t *testing.T) {
	cmdCh := make(chan consensusworker.Command)
	h := rpc.NewHandler(cmdCh, pool.New())

	want := blockgraph.BlockGraphExport{BestParents: []models.Hash{models.HashData([]byte("tip"))}}
	fakeWorker(t, cmdCh, func(cmd consensusworker.Command) {
		cmd.GetBlockGraphStatus.Reply <- want
	})

	resp := h.Dispatch(rpc.Request{ID: 1, Method: "consensus_getBlockGraphStatus"})
	require.Nil(t, resp.Error)
	require.Equal(t, want, resp.Result)
}

func TestDispatchGetActiveBlockRejectsBadHashParam(t *testing.T) {
	h := rpc.NewHandler(make(chan consensusworker.Command), pool.New())
	params, err := json.Marshal(map[string]string{"hash": "not-hex"})
	require.NoError(t, err)

	resp := h.Dispatch(rpc.Request{ID: 1, Method: "consensus_getActiveBlock", Params: params})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestDispatchGetActiveBlockReturnsErrorWhenNotActive(t *testing.T) {
	cmdCh := make(chan consensusworker.Command)
	h := rpc.NewHandler(cmdCh, pool.New())
	hash := models.HashData([]byte("x"))

	fakeWorker(t, cmdCh, func(cmd consensusworker.Command) {
		cmd.GetActiveBlock.Reply <- nil
	})

	params, err := json.Marshal(map[string]string{"hash": hash.String()})
	require.NoError(t, err)
	resp := h.Dispatch(rpc.Request{ID: 1, Method: "consensus_getActiveBlock", Params: params})
	require.NotNil(t, resp.Error)
}

func TestDispatchGetAddressesInfoRejectsBadAddress(t *testing.T) {
	h := rpc.NewHandler(make(chan consensusworker.Command), pool.New())
	params, err := json.Marshal(map[string][]string{"addresses": {"not-an-address"}})
	require.NoError(t, err)

	resp := h.Dispatch(rpc.Request{ID: 1, Method: "consensus_getAddressesInfo", Params: params})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestDispatchSendOperationRejectsMalformedBody(t *testing.T) {
	h := rpc.NewHandler(make(chan consensusworker.Command), pool.New())
	resp := h.Dispatch(rpc.Request{ID: 1, Method: "sendOperation", Params: []byte("not json")})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestDispatchSendOperationPropagatesWorkerError(t *testing.T) {
	cmdCh := make(chan consensusworker.Command)
	h := rpc.NewHandler(cmdCh, pool.New())

	fakeWorker(t, cmdCh, func(cmd consensusworker.Command) {
		cmd.SubmitOperation.Reply <- errRejected
	})

	op, err := models.NewOperation(models.OpTransfer, 1, 1, 0, 10, models.TransferPayload{To: "x", Amount: 1})
	require.NoError(t, err)
	params, err := json.Marshal(op)
	require.NoError(t, err)

	resp := h.Dispatch(rpc.Request{ID: 1, Method: "sendOperation", Params: params})
	require.NotNil(t, resp.Error)
	require.Equal(t, rpc.CodeInternalError, resp.Error.Code)
}
