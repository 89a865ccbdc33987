package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/consensusworker"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/pool"
)

// commandTimeout bounds how long Dispatch waits for the consensus worker
// to answer a command before treating it as unavailable.
const commandTimeout = 5 * time.Second

// Handler holds all dependencies needed to serve RPC methods. All reads and
// writes that touch consensus state go through cmdOut to the worker's
// single-owner loop (spec.md §4.3); only the pool's own thread-safe size
// counter is read directly, without routing through the consensus worker.
type Handler struct {
	cmdOut chan<- consensusworker.Command
	pool   *pool.Pool
}

// NewHandler creates an RPC Handler.
func NewHandler(cmdOut chan<- consensusworker.Command, p *pool.Pool) *Handler {
	return &Handler{cmdOut: cmdOut, pool: p}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "consensus_getBlockGraphStatus":
		return h.getBlockGraphStatus(req)

	case "consensus_getActiveBlock":
		return h.getActiveBlock(req)

	case "consensus_getSelectionDraws":
		return h.getSelectionDraws(req)

	case "consensus_getAddressesInfo":
		return h.getAddressesInfo(req)

	case "sendOperation":
		return h.sendOperation(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.pool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlockGraphStatus(req Request) Response {
	reply := make(chan blockgraph.BlockGraphExport, 1)
	h.cmdOut <- consensusworker.Command{RequestID: uuid.NewString(), GetBlockGraphStatus: &consensusworker.GetBlockGraphStatusCmd{Reply: reply}}
	select {
	case export := <-reply:
		return okResponse(req.ID, export)
	case <-time.After(commandTimeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker did not respond")
	}
}

func (h *Handler) getActiveBlock(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	hash, err := models.HashFromHex(params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, "hash: "+err.Error())
	}

	reply := make(chan *models.Block, 1)
	h.cmdOut <- consensusworker.Command{RequestID: uuid.NewString(), GetActiveBlock: &consensusworker.GetActiveBlockCmd{Hash: hash, Reply: reply}}
	select {
	case block := <-reply:
		if block == nil {
			return errResponse(req.ID, CodeInternalError, "block not active")
		}
		return okResponse(req.ID, block)
	case <-time.After(commandTimeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker did not respond")
	}
}

func (h *Handler) getSelectionDraws(req Request) Response {
	var params struct {
		StartPeriod uint64 `json:"start_period"`
		StartThread uint8  `json:"start_thread"`
		EndPeriod   uint64 `json:"end_period"`
		EndThread   uint8  `json:"end_thread"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	start := models.Slot{Period: params.StartPeriod, Thread: params.StartThread}
	end := models.Slot{Period: params.EndPeriod, Thread: params.EndThread}

	reply := make(chan consensusworker.GetSelectionDrawsResult, 1)
	h.cmdOut <- consensusworker.Command{RequestID: uuid.NewString(), GetSelectionDraws: &consensusworker.GetSelectionDrawsCmd{Start: start, End: end, Reply: reply}}
	select {
	case result := <-reply:
		if result.Err != nil {
			return errResponse(req.ID, CodeInternalError, result.Err.Error())
		}
		return okResponse(req.ID, result.Draws)
	case <-time.After(commandTimeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker did not respond")
	}
}

func (h *Handler) getAddressesInfo(req Request) Response {
	var params struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	addrs := make([]models.Address, 0, len(params.Addresses))
	for _, s := range params.Addresses {
		a, err := models.AddressFromHex(s)
		if err != nil {
			return errResponse(req.ID, CodeInvalidParams, "address: "+err.Error())
		}
		addrs = append(addrs, a)
	}

	reply := make(chan []consensusworker.AddressInfo, 1)
	h.cmdOut <- consensusworker.Command{RequestID: uuid.NewString(), GetAddressesInfo: &consensusworker.GetAddressesInfoCmd{Addresses: addrs, Reply: reply}}
	select {
	case infos := <-reply:
		return okResponse(req.ID, infos)
	case <-time.After(commandTimeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker did not respond")
	}
}

func (h *Handler) sendOperation(req Request) Response {
	var op models.Operation
	if err := json.Unmarshal(req.Params, &op); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}

	reply := make(chan error, 1)
	h.cmdOut <- consensusworker.Command{RequestID: uuid.NewString(), SubmitOperation: &consensusworker.SubmitOperationCmd{Operation: &op, Reply: reply}}
	select {
	case err := <-reply:
		if err != nil {
			return errResponse(req.ID, CodeInternalError, err.Error())
		}
		return okResponse(req.ID, map[string]string{"operation_id": op.ID})
	case <-time.After(commandTimeout):
		return errResponse(req.ID, CodeInternalError, "consensus worker did not respond")
	}
}
