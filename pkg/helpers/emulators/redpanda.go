package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testRedpandaImage = "docker.redpanda.com/redpandadata/redpanda:latest"

func GetDefaultRedpandaConfig() ImageContainer {
	return ImageContainer{EmulatorImage: testRedpandaImage}
}

// SetupRedpandaContainer starts a single node Kafka compatible broker with
// topic auto-creation enabled and returns its seed brokers.
func SetupRedpandaContainer(t *testing.T, ctx context.Context, cfg ImageContainer) (brokers []string, cleanupFunc func()) {
	t.Helper()
	// The broker advertises the host port, so both sides of the mapping match.
	port := freePort(t)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%d:%d/tcp", port, port)},
		Cmd: []string{
			"redpanda", "start",
			"--smp 1",
			"--overprovisioned",
			"--node-id 0",
			"--mode dev-container",
			fmt.Sprintf("--kafka-addr 0.0.0.0:%d", port),
			fmt.Sprintf("--advertise-kafka-addr localhost:%d", port),
		},
		WaitingFor: wait.ForLog("Successfully started Redpanda!").WithStartupTimeout(90 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)

	address := fmt.Sprintf("localhost:%d", port)
	t.Logf("Redpanda container started, listening on: %s", address)
	return []string{address}, func() {
		if err := container.Terminate(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate Redpanda container")
		}
	}
}
