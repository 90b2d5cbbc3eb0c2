package processhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigRequiresHubID(t *testing.T) {
	t.Parallel()

	_, err := Config{}.withDefaults()
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Config{Hub: "hub-1"}.withDefaults()
	require.NoError(t, err)
	require.Equal(t, 1, cfg.ReplicationFactor)
	require.EqualValues(t, 8, cfg.ExecutorConcurrency)
	require.EqualValues(t, 1024, cfg.ExecutorBuffer)
	require.Equal(t, 1024, cfg.HookBuffer)
	require.Equal(t, HubID("hub-1"), cfg.Sync.Hub)
	require.Equal(t, HubID("hub-1"), cfg.Migration.Hub)
}

func TestHubIDClaimedOncePerProcess(t *testing.T) {
	t.Parallel()

	require.NoError(t, claimHubID("claim-test"))
	require.Error(t, claimHubID("claim-test"))
	releaseHubID("claim-test")
	require.NoError(t, claimHubID("claim-test"))
	releaseHubID("claim-test")
}
