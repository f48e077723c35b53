package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testPostgresImage = "postgres:16-alpine"
	testPostgresPort  = "5432/tcp"
)

type PostgresConfig struct {
	ImageContainer
	User     string
	Password string
	Database string
}

func GetDefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		ImageContainer: ImageContainer{
			EmulatorImage:    testPostgresImage,
			EmulatorGRPCPort: testPostgresPort,
		},
		User:     "indexer",
		Password: "indexer",
		Database: "indexer",
	}
}

// SetupPostgresContainer starts Postgres and returns a DSN for it.
func SetupPostgresContainer(t *testing.T, ctx context.Context, cfg PostgresConfig) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorGRPCPort},
		Env: map[string]string{
			"POSTGRES_USER":     cfg.User,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		// The server restarts once after init, so wait for the second ready log.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	terminateOnCleanup(t, container, "postgres")

	address := mappedAddress(t, ctx, container, cfg.EmulatorGRPCPort)
	t.Logf("Postgres container started, listening on: %s", address)
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", cfg.User, cfg.Password, address, cfg.Database)
}
