package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

var pgSchemaSeq atomic.Int64

func TestPostgresStore_Integration(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreSuite(t, func(t *testing.T) MessageStore {
		schema := mustCreateTestSchema(t, pool)
		st, err := NewPostgresStore(pool, WithSchema(schema))
		require.NoError(t, err)
		return st
	})
}

func TestPostgresStore_ConcurrentDuplicateSend(t *testing.T) {
	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx := context.Background()
	const n = 8
	results := make(chan InsertResult, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := st.Insert(ctx, InsertInput{
				SenderID: "alice", RecipientID: "bob", Content: "once", ClientMsgID: "retry-1",
			})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}

	var created int
	var id int64
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("Insert: %v", err)
		case res := <-results:
			if !res.Duplicated {
				created++
			}
			if id == 0 {
				id = res.Message.ID
			}
			require.Equal(t, id, res.Message.ID)
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, 1, mustCountMessages(t, pool, schema))
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(nil)
	require.Error(t, err)

	_, err = NewPostgresStore(&pgxpool.Pool{}, WithSchema(`bad"schema`))
	require.Error(t, err)

	_, err = NewPostgresStore(&pgxpool.Pool{}, WithSchema("  "))
	require.Error(t, err)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PARLEY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PARLEY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PARLEY_DATABASE_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host")
}

// mustCreateTestSchema creates a throwaway schema with the messages table
// and drops it when the test ends.
func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := fmt.Sprintf("parley_test_%d_%d", time.Now().UnixNano(), pgSchemaSeq.Add(1))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)
	return schema
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	messages := pgIdent(schema, "messages")
	ddl := []string{
		`CREATE TABLE ` + messages + ` (
		   id            BIGSERIAL PRIMARY KEY,
		   sender_id     TEXT NOT NULL,
		   recipient_id  TEXT NOT NULL,
		   pair_key      TEXT NOT NULL,
		   content       TEXT NOT NULL,
		   date          TIMESTAMPTZ NOT NULL DEFAULT now(),
		   client_msg_id TEXT NULL,
		   UNIQUE (sender_id, client_msg_id)
		 )`,
		`CREATE INDEX ON ` + messages + ` (pair_key, date, id)`,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`); err != nil {
		t.Errorf("drop schema %s: %v", schema, err)
	}
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(), `SELECT count(*) FROM `+pgIdent(schema, "messages")).Scan(&n)
	require.NoError(t, err)
	return n
}
