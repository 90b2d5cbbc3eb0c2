package transport

import (
	"encoding/json"

	"github.com/peaceful-james/process-hub/internal/models"
)

// Sync is one gossip round message. NodesData accumulates per-node
// contributions as the message hops; SyncAcks lists the nodes that have
// already applied the merged data locally.
type Sync struct {
	Ref       string                                        `json:"ref"`
	NodesData map[models.NodeID]models.NodeContribution     `json:"nodes_data"`
	SyncAcks  []models.NodeID                               `json:"sync_acks"`
}

type PropagateOp string

const (
	PropagateAdd PropagateOp = "add"
	PropagateRem PropagateOp = "rem"
)

// Propagate carries a single registry mutation between rounds so that
// changes reach the cluster without waiting for the next sync tick.
type Propagate struct {
	Ref            string                                       `json:"ref"`
	Acks           []models.NodeID                              `json:"acks"`
	Children       map[models.ChildID]models.ChildAssertion     `json:"children"`
	UpdateNode     models.NodeID                                `json:"update_node"`
	Op             PropagateOp                                  `json:"op"`
	TimestampMicro int64                                        `json:"ts_us"`
}

type StartChildReq struct {
	Children []models.ChildSpec `json:"children"`
	ReplyTo  models.NodeID      `json:"reply_to"`
}

type ChildStartResp struct {
	Results []models.StartResult `json:"results"`
}

// HandoverState is the canonical 3-tuple of a shipped handover: which child,
// the state it held, and the owner it is shipped toward.
type HandoverState struct {
	Child   models.ChildID  `json:"child"`
	State   json.RawMessage `json:"state"`
	NewNode models.NodeID   `json:"new_node"`
}

type HandoverShip struct {
	States []HandoverState `json:"states"`
}

type TerminateChild struct {
	Children []models.ChildID `json:"children"`
}
