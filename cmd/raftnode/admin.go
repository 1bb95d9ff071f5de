package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/raftcore/pkg/fsm/kv"
	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/raftapi"
)

// adminServer exposes a tiny JSON control surface over the running Node —
// status and configuration changes — since the three wire RPCs this module
// defines (§6) are peer-to-peer only and carry no administrative verbs of
// their own. This mirrors the shape of cuemby-warren's own GetClusterInfo/
// JoinCluster calls without requiring a generated client stub.
type adminServer struct {
	node *raft.Node
}

type statusResponse struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
	LeaderHint  string `json:"leader_hint,omitempty"`
}

type proposeConfigRequest struct {
	Members []string `json:"members"`
}

type proposeConfigResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type submitRequest struct {
	ClientID string `json:"client_id,omitempty"`
	Serial   uint64 `json:"serial,omitempty"`
	Op       string `json:"op"`
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
}

type submitResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
	Result   []byte `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (a *adminServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/propose-config", a.handleProposeConfig)
	mux.HandleFunc("/submit", a.handleSubmit)
	return mux
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := a.node.Status(ctx)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(statusResponse{
		NodeID:      string(st.NodeID),
		Role:        st.Role.String(),
		Term:        uint64(st.Term),
		CommitIndex: uint64(st.CommitIndex),
		LastApplied: uint64(st.LastApplied),
		LeaderHint:  string(st.LeaderHint),
	})
}

func (a *adminServer) handleProposeConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req proposeConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(proposeConfigResponse{Status: "error", Error: err.Error()})
		return
	}

	target := make(map[raftapi.NodeID]struct{}, len(req.Members))
	for _, id := range req.Members {
		target[raftapi.NodeID(id)] = struct{}{}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.node.ProposeConfiguration(ctx, target); err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(proposeConfigResponse{Status: "error", Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(proposeConfigResponse{Status: "ok"})
}

// handleSubmit proposes a kv command with session-deduplicated semantics.
// When the caller omits ClientID, one is minted per request the way a
// stateless CLI invocation has to: it can't remember a session across
// process runs, so every "submit" call is its own client.
func (a *adminServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(submitResponse{Status: "error", Error: err.Error()})
		return
	}
	if req.ClientID == "" {
		req.ClientID = kv.GenerateClientID()
	}

	cmd, err := json.Marshal(kv.Command{Op: req.Op, Key: req.Key, Value: req.Value})
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(submitResponse{Status: "error", Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	result, err := a.node.SubmitCommandWithSession(ctx, req.ClientID, req.Serial, cmd)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(submitResponse{Status: "error", ClientID: req.ClientID, Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(submitResponse{Status: "ok", ClientID: req.ClientID, Result: result})
}
