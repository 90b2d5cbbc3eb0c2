package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peaceful-james/process-hub/internal/models"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	t.Parallel()

	buf, err := Encode("hub-1", KindStartChildReq, "node-a", StartChildReq{
		Children: []models.ChildSpec{{ID: "child-1"}},
		ReplyTo:  "node-a",
	})
	require.NoError(t, err)

	env, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, models.HubID("hub-1"), env.Hub)
	require.Equal(t, KindStartChildReq, env.Kind)
	require.Equal(t, models.NodeID("node-a"), env.From)

	req, err := DecodePayload[StartChildReq](env)
	require.NoError(t, err)
	require.Equal(t, models.NodeID("node-a"), req.ReplyTo)
	require.Len(t, req.Children, 1)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeRejectsMissingKind(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"hub":"hub-1","from":"node-a","payload":{}}`))
	require.Error(t, err)
}

func TestDecodePayloadTypeMismatch(t *testing.T) {
	t.Parallel()

	buf, err := Encode("hub-1", KindSync, "node-a", Sync{Ref: "r1"})
	require.NoError(t, err)
	env, err := Decode(buf)
	require.NoError(t, err)

	_, err = DecodePayload[[]models.ChildID](env)
	require.Error(t, err)
}
