package emulators

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"google.golang.org/api/option"
)

type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnection is what a test needs to reach a started container.
type EmulatorConnection struct {
	EmulatorAddress string
	ClientOptions   []option.ClientOption
}

func mappedAddress(t *testing.T, ctx context.Context, container testcontainers.Container, port string) string {
	t.Helper()
	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func terminateOnCleanup(t *testing.T, container testcontainers.Container, name string) {
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate %s container: %v", name, err)
		}
	})
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
