// Package pgtest starts a disposable TLS-enabled Postgres for integration tests.
package pgtest

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/lakebase/internal/credential"
	"github.com/example/lakebase/internal/lakebase"
)

const password = "test"

// Start runs Postgres in docker and returns a factory connected to it.
// The test is skipped when SKIP_DOCKER=1 or no docker daemon is reachable.
func Start(t *testing.T) *lakebase.Factory {
	t.Helper()
	if os.Getenv("SKIP_DOCKER") == "1" {
		t.Skip("SKIP_DOCKER=1 set; skipping integration test")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	// quick ping to ensure daemon reachable
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	// the debian image ships a snakeoil certificate, enough for sslmode=require
	options := &dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_USER=test",
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=lakebase_test",
		},
		Cmd: []string{
			"-c", "ssl=on",
			"-c", "ssl_cert_file=/etc/ssl/certs/ssl-cert-snakeoil.pem",
			"-c", "ssl_key_file=/etc/ssl/private/ssl-cert-snakeoil.key",
		},
	}
	resource, err := pool.RunWithOptions(options, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)

	// ensure container is cleaned up
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)

	provider := credential.NewProvider(credential.StaticClient(password), time.Minute, zerolog.Nop())
	factory, err := lakebase.NewFactory(lakebase.ConnectionConfig{
		Host:     "localhost",
		Port:     port,
		Database: "lakebase_test",
		User:     "test",
		SSLMode:  "require",
	}, provider, 30*time.Second)
	require.NoError(t, err)

	// exponential backoff-retry to wait for Postgres
	err = pool.Retry(func() error {
		db, err := factory.OpenDB(context.Background())
		if err != nil {
			return err
		}
		return db.Close()
	})
	require.NoError(t, err)

	return factory
}
