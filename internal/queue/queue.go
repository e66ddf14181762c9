package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dereulenspiegel/liteq"
	_ "github.com/mattn/go-sqlite3"
)

// GenericWorkQueue decouples producers from the sqlite-backed queue
// implementation.
type GenericWorkQueue[T any] interface {
	Queue(ctx context.Context, item T, options ...liteq.QueueOption) error
	Consume(ctx context.Context, worker liteq.ConsumeFunc[T], options ...liteq.ConsumeOpt) error
}

type SQLiteWorkQueue[T any] struct {
	q *liteq.Queue[T]
}

func (s *SQLiteWorkQueue[T]) Queue(ctx context.Context, item T, options ...liteq.QueueOption) error {
	return s.q.Put(ctx, item, options...)
}

func (s *SQLiteWorkQueue[T]) Consume(ctx context.Context, worker liteq.ConsumeFunc[T], options ...liteq.ConsumeOpt) error {
	return s.q.Consume(ctx, worker, options...)
}

func NewSQLiteWorkQueueOnDb[T any](db *sql.DB, queueName string) (*SQLiteWorkQueue[T], error) {
	jq, err := liteq.New(db)
	if err != nil {
		return nil, fmt.Errorf("failed to setup job queue: %w", err)
	}
	return &SQLiteWorkQueue[T]{q: liteq.NewQueue(jq, queueName, liteq.JSONMarshaler[T]{})}, nil
}

func NewSQLiteWorkQueue[T any](path, queueName string) (*SQLiteWorkQueue[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return nil, fmt.Errorf("failed to ensure queue folder exists: %w", err)
	}
	liteDb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	return NewSQLiteWorkQueueOnDb[T](liteDb, queueName)
}
