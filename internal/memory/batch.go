package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OpKind selects the operation a batch entry performs.
type OpKind int

const (
	OpPut OpKind = iota
	OpGet
)

// Op is one operation in a batch. Value and ExpectedVersion apply to puts.
type Op struct {
	Kind            OpKind
	Key             string
	Value           json.RawMessage
	ExpectedVersion int64
}

// Result is the outcome of one batch operation, in submission order.
type Result struct {
	Key     string
	Value   json.RawMessage // gets only
	Version int64
}

// Batch executes the operations in order inside a single transaction. Either
// every put applies or none do: any version conflict or storage failure rolls
// the whole batch back. Used for cross-entity updates that must not be
// observed half-applied (e.g. health snapshot + latest pointer).
func (s *Store) Batch(ctx context.Context, ops []Op) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "memory.batch",
		trace.WithAttributes(attribute.Int("memory.ops", len(ops))))
	defer span.End()

	var results []Result
	err := s.withRetry(ctx, func() error {
		results = results[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, op := range ops {
			switch op.Kind {
			case OpPut:
				version, err := putOpInTx(ctx, tx, op)
				if err != nil {
					return err
				}
				results = append(results, Result{Key: op.Key, Version: version})
			case OpGet:
				res, err := getOpInTx(ctx, tx, op.Key)
				if err != nil {
					return err
				}
				results = append(results, res)
			default:
				return fmt.Errorf("batch: unknown op kind %d for key %s", op.Kind, op.Key)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	writesTotal.Add(ctx, 1)
	return results, nil
}

func putOpInTx(ctx context.Context, tx *sql.Tx, op Op) (int64, error) {
	current, tombstone, expired, exists, err := readVersion(ctx, tx, op.Key)
	if err != nil {
		return 0, err
	}
	switch {
	case !exists:
		if op.ExpectedVersion != 0 {
			return 0, fmt.Errorf("%w: key %s absent, expected version %d", ErrConflict, op.Key, op.ExpectedVersion)
		}
	case tombstone || expired:
		if op.ExpectedVersion != 0 && op.ExpectedVersion != current {
			return 0, fmt.Errorf("%w: key %s at version %d (dead), expected %d", ErrConflict, op.Key, current, op.ExpectedVersion)
		}
	default:
		if op.ExpectedVersion != current {
			return 0, fmt.Errorf("%w: key %s at version %d, expected %d", ErrConflict, op.Key, current, op.ExpectedVersion)
		}
	}

	newVersion := current + 1
	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE memory_entries SET value = ?, version = ?, tombstone = 0, expires_at = NULL, updated_at = ? WHERE key = ?`,
			string(op.Value), newVersion, now, op.Key)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_entries (key, category, value, version, tombstone, expires_at, updated_at) VALUES (?, ?, ?, ?, 0, NULL, ?)`,
			op.Key, categoryOf(op.Key), string(op.Value), newVersion, now)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: writing entry %s: %v", ErrStorage, op.Key, err)
	}
	return newVersion, nil
}

func getOpInTx(ctx context.Context, tx *sql.Tx, key string) (Result, error) {
	var value string
	var version int64
	var tombstone int
	var expires interface{}
	err := tx.QueryRowContext(ctx,
		`SELECT value, version, tombstone, expires_at FROM memory_entries WHERE key = ?`, key).
		Scan(&value, &version, &tombstone, &expires)
	if err == sql.ErrNoRows || (err == nil && tombstone != 0) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading entry %s: %v", ErrStorage, key, err)
	}
	if t, ok := scanTime(expires); ok && t.Before(time.Now().UTC()) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Result{Key: key, Value: json.RawMessage(value), Version: version}, nil
}
