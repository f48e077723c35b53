package emulators

import (
	"context"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testRedisImage = "redis:7-alpine"
	testRedisPort  = "6379/tcp"
)

func GetDefaultRedisImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testRedisImage,
		EmulatorGRPCPort: testRedisPort,
	}
}

// SetupRedisContainer starts Redis and terminates it when the test ends.
func SetupRedisContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorGRPCPort},
		WaitingFor:   wait.ForListeningPort(nat.Port(cfg.EmulatorGRPCPort)),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	terminateOnCleanup(t, container, "redis")

	address := mappedAddress(t, ctx, container, cfg.EmulatorGRPCPort)
	t.Logf("Redis container started, listening on: %s", address)
	return EmulatorConnection{EmulatorAddress: address}
}
