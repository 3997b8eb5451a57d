package containerengine

import (
	"errors"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
)

func TestBuildPortBindings_DefaultsProtocolAndLoopback(t *testing.T) {
	exposed, bindings := buildPortBindings([]PortBinding{
		{ContainerPort: 8080},
	})

	port := nat.Port("8080/tcp")
	_, ok := exposed[port]
	assert.True(t, ok, "expected tcp exposed port by default")

	bound := bindings[port]
	if assert.Len(t, bound, 1) {
		assert.Equal(t, "127.0.0.1", bound[0].HostIP)
		assert.Equal(t, "", bound[0].HostPort, "zero HostPort means let the daemon pick an ephemeral port")
	}
}

func TestBuildPortBindings_RespectsExplicitProtocolAndHostPort(t *testing.T) {
	exposed, bindings := buildPortBindings([]PortBinding{
		{ContainerPort: 53, Protocol: "udp", HostIP: "0.0.0.0", HostPort: 5353},
	})

	port := nat.Port("53/udp")
	_, ok := exposed[port]
	assert.True(t, ok)
	assert.Equal(t, "0.0.0.0", bindings[port][0].HostIP)
	assert.Equal(t, "5353", bindings[port][0].HostPort)
}

func TestIsRemovalInProgress(t *testing.T) {
	err := errors.New(`removal of container abc123 is already in progress`)
	assert.True(t, isRemovalInProgress(err))
	assert.False(t, isRemovalInProgress(errors.New("no such container")))
	assert.False(t, isRemovalInProgress(nil))
}
