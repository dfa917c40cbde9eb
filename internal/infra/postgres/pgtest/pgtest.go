// Package pgtest は dockertest で使い捨ての pgvector 付き PostgreSQL を起動するテスト用ヘルパーです
package pgtest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"

	"github.com/jinford/product-rag/internal/infra/postgres"
	"github.com/jinford/product-rag/pkg/db"
)

const (
	image    = "pgvector/pgvector"
	tag      = "pg16"
	user     = "prodrag"
	password = "secret"
	dbName   = "prodrag"
)

// Start はコンテナを起動しマイグレーション済みの DB を返します
// -short 指定時や Docker が利用できない場合はテストをスキップします
func Start(t *testing.T) *db.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: image,
		Tag:        tag,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})
	_ = resource.Expire(300)

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)

	params := db.ConnectionParams{
		Host:         "localhost",
		Port:         port,
		User:         user,
		Password:     password,
		DBName:       dbName,
		SSLMode:      "disable",
		EnableVector: true,
	}

	var database *db.DB
	err = pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		database, err = db.New(ctx, params)
		return err
	})
	require.NoError(t, err)
	t.Cleanup(database.Close)

	require.NoError(t, postgres.Migrate(context.Background(), database.Pool, true))
	return database
}
