package proxy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureSessionPointsSessionAtProxy(t *testing.T) {
	server, port := startTestServer(t)
	session := &fakeSession{}

	release, err := server.ConfigureSession(20, "https://cmux-abc-base-8080.cmux.app/", "spiegel:view-20", session)
	require.NoError(t, err)
	defer release()

	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), session.rules)
	assert.Equal(t, "<-loopback>", session.bypass)

	creds := server.CredentialsFor(20)
	require.NotNil(t, creds)

	ctx := server.Registry().Authenticate(basicAuth(creds.Username, creds.Password))
	require.NotNil(t, ctx)
	require.NotNil(t, ctx.Policy)
	assert.Equal(t, "abc", ctx.Policy.WorkloadID)
	assert.Equal(t, "spiegel:view-20", ctx.PersistKey)
}

func TestConfigureSessionWithoutPolicyStillProxies(t *testing.T) {
	server, _ := startTestServer(t)
	session := &fakeSession{}

	release, err := server.ConfigureSession(21, "https://nothing-to-route.example.com/", "", session)
	require.NoError(t, err)
	defer release()

	creds := server.CredentialsFor(21)
	require.NotNil(t, creds)

	ctx := server.Registry().Authenticate(basicAuth(creds.Username, creds.Password))
	require.NotNil(t, ctx)
	assert.Nil(t, ctx.Policy)
}

func TestConfigureSessionReleaseIsIdempotent(t *testing.T) {
	server, _ := startTestServer(t)
	session := &fakeSession{}

	release, err := server.ConfigureSession(22, "https://example.com/", "", session)
	require.NoError(t, err)

	release()
	assert.Nil(t, server.CredentialsFor(22))
	assert.True(t, session.cleared)

	// Second call must not panic or clear someone else's context.
	release()
}

func TestConfigureSessionRollsBackOnSetProxyError(t *testing.T) {
	server, _ := startTestServer(t)
	session := &fakeSession{setErr: errors.New("session gone")}

	_, err := server.ConfigureSession(23, "https://example.com/", "", session)
	require.Error(t, err)
	assert.Nil(t, server.CredentialsFor(23))
}

func TestPersistKeyPartitioning(t *testing.T) {
	server, _ := startTestServer(t)

	assert.True(t, server.IsManagedPersistKey("spiegel:view-1"))
	assert.False(t, server.IsManagedPersistKey("other:view-1"))
	assert.False(t, server.IsManagedPersistKey(""))

	partition := server.PartitionFor("spiegel:view-1")
	require.NotEmpty(t, partition)
	assert.True(t, len(partition) > len("persist:spiegel-"))
	assert.Contains(t, partition, "persist:spiegel-")

	// Stable across calls, distinct across keys.
	assert.Equal(t, partition, server.PartitionFor("spiegel:view-1"))
	assert.NotEqual(t, partition, server.PartitionFor("spiegel:view-2"))

	assert.Empty(t, server.PartitionFor("other:view-1"))
}

func TestPartitionForIsPure(t *testing.T) {
	first := partitionFor("spiegel:", "spiegel:abc")
	second := partitionFor("spiegel:", "spiegel:abc")
	assert.Equal(t, first, second)
	assert.Len(t, first, len("persist:spiegel-")+12)
}
