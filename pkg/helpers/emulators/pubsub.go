package emulators

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	testPubsubEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testPubsubEmulatorPort  = "8085"
)

// PubsubConfig describes the emulator and the topics created on it. Each
// topic in TopicSubs gets the named subscription.
type PubsubConfig struct {
	GCImageContainer
	TopicSubs map[string]string
}

func GetDefaultPubsubConfig(projectID string, topicSubs map[string]string) PubsubConfig {
	return PubsubConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testPubsubEmulatorImage,
				EmulatorHTTPPort: testPubsubEmulatorPort,
			},
			ProjectID: projectID,
		},
		TopicSubs: topicSubs,
	}
}

// SetupPubsubEmulator starts the emulator, creates the configured topics and
// subscriptions, and terminates the container when the test ends.
func SetupPubsubEmulator(t *testing.T, ctx context.Context, cfg PubsubConfig) EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)},
		Cmd: []string{
			"gcloud", "beta", "emulators", "pubsub", "start",
			fmt.Sprintf("--project=%s", cfg.ProjectID),
			fmt.Sprintf("--host-port=0.0.0.0:%s", cfg.EmulatorHTTPPort),
		},
		WaitingFor: wait.ForListeningPort(nat.Port(cfg.EmulatorHTTPPort)),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	terminateOnCleanup(t, container, "Pub/Sub emulator")

	address := mappedAddress(t, ctx, container, cfg.EmulatorHTTPPort)
	t.Logf("Pub/Sub emulator container started, listening on: %s", address)
	if cfg.SetEnvVariables {
		t.Setenv("PUBSUB_EMULATOR_HOST", address)
	}
	conn := EmulatorConnection{
		EmulatorAddress: address,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(address),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		},
	}

	adminClient, err := pubsub.NewClient(ctx, cfg.ProjectID, conn.ClientOptions...)
	require.NoError(t, err)
	defer adminClient.Close()

	for topicID, subID := range cfg.TopicSubs {
		topic, err := adminClient.CreateTopic(ctx, topicID)
		require.NoError(t, err, "Failed to create Pub/Sub topic %s", topicID)
		_, err = adminClient.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
		require.NoError(t, err, "Failed to create Pub/Sub subscription %s", subID)
	}
	return conn
}
