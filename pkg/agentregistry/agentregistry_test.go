package agentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

func TestAdmitAndGet(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)

	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "int-1", ExternalID: "ext-1"}))

	got, err := r.Get("int-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", got.ExternalID)

	byExt, err := r.GetByExternalID("ext-1")
	require.NoError(t, err)
	assert.Equal(t, "int-1", byExt.InternalID)
}

func TestAdmitRejectsDuplicateInternalID(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)
	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "int-1"}))

	err = r.Admit(&contracts.AgentEntry{InternalID: "int-1"})
	assert.Error(t, err)
}

func TestAdmitEnforcesManifestVersionRange(t *testing.T) {
	r, err := New("1.0.0", "2.0.0")
	require.NoError(t, err)

	err = r.Admit(&contracts.AgentEntry{InternalID: "too-old", ManifestVersion: "0.9.0"})
	assert.Error(t, err)

	err = r.Admit(&contracts.AgentEntry{InternalID: "too-new", ManifestVersion: "3.0.0"})
	assert.Error(t, err)

	err = r.Admit(&contracts.AgentEntry{InternalID: "ok", ManifestVersion: "1.5.0"})
	assert.NoError(t, err)
}

func TestLockAllowsMutationAndSerializes(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)
	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "int-1", State: contracts.AgentReady}))

	lock, err := r.Lock("int-1")
	require.NoError(t, err)
	lock.Agent().State = contracts.AgentRunning
	lock.Unlock()

	got, err := r.Get("int-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgentRunning, got.State)
}

func TestRemoveClearsExternalIndex(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)
	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "int-1", ExternalID: "ext-1"}))

	require.NoError(t, r.Remove("int-1"))
	_, err = r.Get("int-1")
	assert.Error(t, err)
	_, err = r.GetByExternalID("ext-1")
	assert.Error(t, err)
}

func TestListReturnsSnapshots(t *testing.T) {
	r, err := New("", "")
	require.NoError(t, err)
	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "a"}))
	require.NoError(t, r.Admit(&contracts.AgentEntry{InternalID: "b"}))

	assert.Len(t, r.List(), 2)
}
