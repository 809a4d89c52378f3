package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // SQLite driver
)

// SkipIfShort skips container-backed tests when running with -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
}

func StartPostgresContainer(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://fluxq:fluxq@%s:%s/fluxq_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "fluxq",
			"POSTGRES_PASSWORD": "fluxq",
			"POSTGRES_DB":       "fluxq_test",
		}),
	)
	testcontainers.CleanupContainer(t, postgresC)
	require.NoError(t, err)

	endpoint, err := postgresC.Endpoint(ctx, "")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://fluxq:fluxq@%s/fluxq_test?sslmode=disable", endpoint)
}

func StartMongoContainer(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	ctx := context.Background()
	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	testcontainers.CleanupContainer(t, mongoC)
	require.NoError(t, err)

	endpoint, err := mongoC.Endpoint(ctx, "")
	require.NoError(t, err)

	return fmt.Sprintf("mongodb://%s", endpoint)
}

func StartRedisContainer(t *testing.T) string {
	t.Helper()
	SkipIfShort(t)

	ctx := context.Background()
	redisC, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
	testcontainers.CleanupContainer(t, redisC)
	require.NoError(t, err)

	endpoint, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)

	return endpoint
}

// OpenPostgres starts a container and returns a pgx-backed *sql.DB.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", StartPostgresContainer(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// OpenRedis starts a container and returns a connected client.
func OpenRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: StartRedisContainer(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

// OpenMongo starts a container and returns a connected client.
func OpenMongo(t *testing.T) *mongo.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(StartMongoContainer(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))
	return client
}

// OpenSQLite opens a private in-memory SQLite database. A single connection
// keeps every statement on the same database.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// OpenSQLiteFile opens (or reopens) a file-backed SQLite database at path.
func OpenSQLiteFile(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}
