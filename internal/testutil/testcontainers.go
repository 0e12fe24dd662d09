// Package testutil starts the database containers used by integration tests.
// Each container is started at most once per test binary. Tests are skipped
// under -short or when no container runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type container struct {
	once     sync.Once
	endpoint string
	err      error
}

var (
	mongoC    container
	postgresC container
	redisC    container
)

// GetMongoURI returns a mongodb:// URI for a shared mongo:7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	endpoint := mongoC.start(t, "mongo:7", "27017/tcp",
		wait.ForListeningPort("27017/tcp"),
		wait.ForLog("Waiting for connections"),
	)
	return fmt.Sprintf("mongodb://%s", endpoint)
}

// GetPostgresDSN returns a DSN for a shared postgres:16 container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	endpoint := postgresC.start(t, "postgres:16", "5432/tcp",
		wait.ForListeningPort("5432/tcp"),
		// Postgres logs readiness twice: once for the init server, once for the real one.
		wait.ForLog("ready to accept connections").WithOccurrence(2),
	)
	return fmt.Sprintf("postgres://graphflow:graphflow@%s/graphflow_test?sslmode=disable", endpoint)
}

// GetRedisAddress returns host:port of a shared redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.start(t, "redis:7", "6379/tcp",
		wait.ForListeningPort("6379/tcp"),
		wait.ForLog("Ready to accept connections"),
	)
}

func (c *container) start(t *testing.T, image, port string, strategies ...wait.Strategy) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s container test in -short mode", image)
	}

	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		ctr, err := testcontainers.Run(
			ctx, image,
			testcontainers.WithExposedPorts(port),
			testcontainers.WithWaitStrategy(wait.ForAll(strategies...).WithDeadline(2*time.Minute)),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "graphflow",
				"POSTGRES_PASSWORD": "graphflow",
				"POSTGRES_DB":       "graphflow_test",
			}),
		)
		if err != nil {
			c.err = err
			return
		}

		// The container outlives the first test that started it; Ryuk reaps it
		// when the test binary exits.
		endpoint, err := ctr.Endpoint(ctx, "")
		if err != nil {
			_ = ctr.Terminate(context.Background()) // best-effort cleanup
			c.err = err
			return
		}
		c.endpoint = endpoint
	})

	if c.err != nil {
		t.Skipf("container %s unavailable: %v", image, c.err)
	}
	return c.endpoint
}
