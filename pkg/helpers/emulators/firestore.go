package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	testFirestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testFirestoreEmulatorPort  = "8080"
)

func GetDefaultFirestoreConfig(projectID string) GCImageContainer {
	return GCImageContainer{
		ImageContainer: ImageContainer{
			EmulatorImage:    testFirestoreEmulatorImage,
			EmulatorGRPCPort: testFirestoreEmulatorPort,
		},
		ProjectID:       projectID,
		SetEnvVariables: true,
	}
}

// SetupFirestoreEmulator starts the Firestore emulator. With SetEnvVariables
// FIRESTORE_EMULATOR_HOST is set for the test, so t.Parallel cannot be used.
func SetupFirestoreEmulator(t *testing.T, ctx context.Context, cfg GCImageContainer) EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorGRPCPort + "/tcp"},
		Cmd: []string{"gcloud", "beta", "emulators", "firestore", "start",
			fmt.Sprintf("--project=%s", cfg.ProjectID),
			fmt.Sprintf("--host-port=0.0.0.0:%s", cfg.EmulatorGRPCPort),
		},
		WaitingFor: wait.ForLog("Dev App Server is now running").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	terminateOnCleanup(t, container, "firestore")

	address := mappedAddress(t, ctx, container, cfg.EmulatorGRPCPort)
	t.Logf("Firestore emulator container started, listening on: %s", address)
	if cfg.SetEnvVariables {
		t.Setenv("FIRESTORE_EMULATOR_HOST", address)
	}
	return EmulatorConnection{
		EmulatorAddress: address,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(address),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		},
	}
}
