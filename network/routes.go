package network

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/thrylos-labs/shardtree/state"
	"github.com/thrylos-labs/shardtree/types"
	"github.com/thrylos-labs/shardtree/utils"
)

// OperationRequest describes one operation submitted over the API.
type OperationRequest struct {
	Sender   string           `json:"sender"`
	Receiver string           `json:"receiver"`
	Size     int              `json:"size"`
	Inputs   []types.ID       `json:"inputs,omitempty"`
	Outputs  []types.Resource `json:"outputs,omitempty"`
	Payload  []byte           `json:"payload,omitempty"`
}

type proposeRequest struct {
	References []types.ID `json:"references,omitempty"`
}

type statusResponse struct {
	RootChain        types.ID            `json:"rootChain"`
	Shards           []state.ShardStatus `json:"shards"`
	SpawnedChains    int                 `json:"spawnedChains"`
	LiveChunks       int                 `json:"liveChunks"`
	PendingDelivery  int                 `json:"pendingDelivery"`
	FinalizedContent uint64              `json:"finalizedContent"`
}

func (router *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := router.tree.Context()
	writeJSON(w, http.StatusOK, statusResponse{
		RootChain:        router.tree.RootChain(),
		Shards:           router.tree.Shards(),
		SpawnedChains:    router.tree.NumSpawnedChains(),
		LiveChunks:       ctx.Index.Len(),
		PendingDelivery:  ctx.Linearizer.Pending(),
		FinalizedContent: ctx.Index.FinalizedOperations(),
	})
}

func (router *Router) handleChains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, router.tree.Shards())
}

func (router *Router) handleSubmitContent(w http.ResponseWriter, r *http.Request) {
	var requests []OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&requests); err != nil {
		http.Error(w, "Invalid operation batch", http.StatusBadRequest)
		return
	}

	ops := make([]*types.Operation, len(requests))
	for i, req := range requests {
		ops[i] = utils.NewOperation(req.Sender, req.Receiver, req.Size, req.Inputs, req.Outputs)
		ops[i].Payload = req.Payload
	}
	if err := router.tree.SubmitContent(ops...); err != nil {
		router.log.Warn().Err(err).Int("operations", len(ops)).Msg("content partially rejected")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":      err.Error(),
			"operations": types.OperationIDs(ops),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"operations": types.OperationIDs(ops)})
}

func (router *Router) handleStoredContent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.OperationIDs(router.tree.StoredContent()))
}

func (router *Router) handleProposeBlock(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid block request", http.StatusBadRequest)
			return
		}
	}

	b, err := router.tree.ProposeBlock(chainID, req.References, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         b.ID,
		"parent":     b.Parent,
		"rank":       b.Rank,
		"operations": len(b.Operations),
	})
}

func (router *Router) handleSpawn(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	if err := router.tree.Spawn(chainID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, router.tree.Shards())
}

func (router *Router) handleMerge(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	if err := router.tree.Merge(chainID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, router.tree.Shards())
}

func chainParam(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := types.ParseID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid chain id", http.StatusBadRequest)
		return types.ZeroID, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrUnknownChain):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrStaleRouting), errors.Is(err, types.ErrMaxDepth):
		status = http.StatusConflict
	case errors.Is(err, types.ErrDoubleSpend), errors.Is(err, types.ErrRankTooLow), errors.Is(err, types.ErrUnknownPrevious),
		errors.Is(err, types.ErrResourceNotFound):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
