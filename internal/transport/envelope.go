package transport

import (
	"encoding/json"
	"fmt"

	"github.com/peaceful-james/process-hub/internal/models"
)

type Kind string

const (
	KindSync           Kind = "sync"
	KindPropagate      Kind = "propagate"
	KindStartChildReq  Kind = "start_child_req"
	KindChildStartResp Kind = "child_start_resp"
	KindHandoverShip   Kind = "handover_ship"
	KindTerminateChild Kind = "terminate_child"
)

// Envelope is the outer frame of every node-to-node message. It rides the
// memberlist reliable TCP channel, so delivery is FIFO per sender.
type Envelope struct {
	Hub     models.HubID    `json:"hub"`
	Kind    Kind            `json:"kind"`
	From    models.NodeID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(hub models.HubID, kind Kind, from models.NodeID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	env := Envelope{
		Hub:     hub,
		Kind:    kind,
		From:    from,
		Payload: raw,
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return buf, nil
}

func Decode(buf []byte) (Envelope, error) {
	env := Envelope{}
	err := json.Unmarshal(buf, &env)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("envelope without kind from %s", env.From)
	}
	return env, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var payload T
	err := json.Unmarshal(env.Payload, &payload)
	if err != nil {
		return payload, fmt.Errorf("failed to decode %s payload from %s: %w", env.Kind, env.From, err)
	}
	return payload, nil
}
