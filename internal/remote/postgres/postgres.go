// Package postgres stores board shapes in PostgreSQL. Each shape is one row
// with its fields in a jsonb document; commits are announced on a
// LISTEN/NOTIFY channel that drives the change stream.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
)

// Channel is the NOTIFY channel; payloads are "<board>|<shape>".
const Channel = "shape_changes"

const schema = `
CREATE TABLE IF NOT EXISTS shapes (
	board_id   text    NOT NULL,
	shape_id   text    NOT NULL,
	data       jsonb   NOT NULL,
	updated_at bigint  NOT NULL,
	deleted    boolean NOT NULL DEFAULT false,
	PRIMARY KEY (board_id, shape_id)
)`

// serverNow is the transaction's server time in epoch milliseconds.
const serverNow = `SELECT (extract(epoch FROM clock_timestamp()) * 1000)::bigint`

// Backend implements remote.Backend on a pgx pool.
type Backend struct {
	pool *pgxpool.Pool
}

var _ remote.Backend = (*Backend)(nil)

// Open connects to url and creates the schema when missing.
func Open(ctx context.Context, url string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	b := &Backend{pool: pool}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

// Migrate creates the shapes table.
func (b *Backend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (b *Backend) Close() {
	b.pool.Close()
}

func notify(ctx context.Context, tx pgx.Tx, boardID, shapeID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, boardID+"|"+shapeID)
	return err
}

// inTx runs fn in a transaction and classifies any failure.
func (b *Backend) inTx(ctx context.Context, op string, fn func(tx pgx.Tx, now int64) error) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback(ctx)

	var now int64
	if err := tx.QueryRow(ctx, serverNow).Scan(&now); err != nil {
		return classify(op, err)
	}
	if err := fn(tx, now); err != nil {
		var se *remote.StatusError
		if errors.As(err, &se) {
			return err
		}
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

func scanShape(row pgx.Row) (model.Shape, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return model.Shape{}, err
	}
	var s model.Shape
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Shape{}, fmt.Errorf("failed to decode shape: %w", err)
	}
	return s, nil
}

func writeShape(ctx context.Context, tx pgx.Tx, s model.Shape) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode shape: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO shapes (board_id, shape_id, data, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (board_id, shape_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at, deleted = EXCLUDED.deleted`,
		s.BoardID, s.ID, raw, s.UpdatedAt, s.Deleted)
	if err != nil {
		return err
	}
	return notify(ctx, tx, s.BoardID, s.ID)
}

// create must run inside a transaction.
func create(ctx context.Context, tx pgx.Tx, boardID string, shape model.Shape, actor model.Actor, now int64) (model.Shape, error) {
	existing, err := scanShape(tx.QueryRow(ctx,
		`SELECT data FROM shapes WHERE board_id = $1 AND shape_id = $2 FOR UPDATE`, boardID, shape.ID))
	found := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.Shape{}, err
	}
	if found && now <= existing.UpdatedAt {
		return existing, nil
	}

	shape.BoardID = boardID
	shape.UpdatedBy = actor.UID
	shape.UpdatedByName = actor.Name
	shape.UpdatedAt = now
	shape.Deleted = false
	shape.DeletedAt = 0
	if found {
		shape.CreatedBy = existing.CreatedBy
		shape.CreatedByName = existing.CreatedByName
		shape.CreatedAt = existing.CreatedAt
	} else {
		shape.CreatedBy = actor.UID
		shape.CreatedByName = actor.Name
		shape.CreatedAt = now
	}
	if err := writeShape(ctx, tx, shape); err != nil {
		return model.Shape{}, err
	}
	return shape, nil
}

func (b *Backend) CreateShape(ctx context.Context, boardID string, shape model.Shape, actor model.Actor) (model.Shape, error) {
	var out model.Shape
	err := b.inTx(ctx, "create", func(tx pgx.Tx, now int64) error {
		var err error
		out, err = create(ctx, tx, boardID, shape, actor, now)
		return err
	})
	return out, err
}

// patch must run inside a transaction. The stored updatedAt never goes backwards.
func patch(ctx context.Context, tx pgx.Tx, boardID, shapeID string, fields map[string]any, now int64) (int64, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("failed to encode patch: %w", err)
	}
	var updatedAt int64
	err = tx.QueryRow(ctx, `
		UPDATE shapes
		SET updated_at = GREATEST($3::bigint, updated_at + 1),
		    data = data || $4::jsonb || jsonb_build_object('updatedAt', GREATEST($3::bigint, updated_at + 1)),
		    deleted = COALESCE(($4::jsonb ->> 'deleted')::boolean, deleted)
		WHERE board_id = $1 AND shape_id = $2
		RETURNING updated_at`,
		boardID, shapeID, now, raw).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, remote.Status(remote.CodeNotFound, "update", fmt.Errorf("shape %s", shapeID))
	}
	if err != nil {
		return 0, err
	}
	return updatedAt, notify(ctx, tx, boardID, shapeID)
}

// patchFields returns the JSON document fields of p plus updater metadata.
func patchFields(p model.ShapePatch, actor model.Actor) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["updatedBy"] = actor.UID
	fields["updatedByName"] = actor.Name
	return fields, nil
}

func (b *Backend) UpdateShape(ctx context.Context, boardID, shapeID string, p model.ShapePatch, actor model.Actor) (int64, error) {
	fields, err := patchFields(p, actor)
	if err != nil {
		return 0, fmt.Errorf("failed to encode patch: %w", err)
	}
	var updatedAt int64
	err = b.inTx(ctx, "update", func(tx pgx.Tx, now int64) error {
		var err error
		updatedAt, err = patch(ctx, tx, boardID, shapeID, fields, now)
		return err
	})
	return updatedAt, err
}

func (b *Backend) DeleteShape(ctx context.Context, boardID, shapeID string, actor model.Actor) (int64, error) {
	var updatedAt int64
	err := b.inTx(ctx, "delete", func(tx pgx.Tx, now int64) error {
		var err error
		updatedAt, err = patch(ctx, tx, boardID, shapeID, map[string]any{
			"deleted":       true,
			"deletedAt":     now,
			"updatedBy":     actor.UID,
			"updatedByName": actor.Name,
		}, now)
		return err
	})
	return updatedAt, err
}

func (b *Backend) GetShape(ctx context.Context, boardID, shapeID string) (model.Shape, error) {
	s, err := scanShape(b.pool.QueryRow(ctx,
		`SELECT data FROM shapes WHERE board_id = $1 AND shape_id = $2`, boardID, shapeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Shape{}, remote.Status(remote.CodeNotFound, "get", fmt.Errorf("shape %s", shapeID))
	}
	if err != nil {
		return model.Shape{}, classify("get", err)
	}
	return s, nil
}

func (b *Backend) ListShapes(ctx context.Context, boardID string) ([]model.Shape, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT data FROM shapes WHERE board_id = $1 ORDER BY (data->>'zIndex')::int, shape_id`, boardID)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var shapes []model.Shape
	for rows.Next() {
		s, err := scanShape(rows)
		if err != nil {
			return nil, classify("list", err)
		}
		shapes = append(shapes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return shapes, nil
}

func (b *Backend) BatchCreate(ctx context.Context, boardID string, shapes []model.Shape, actor model.Actor) ([]model.Shape, error) {
	if len(shapes) > remote.MaxBatch {
		return nil, remote.Status(remote.CodeInvalidArgument, "batch_create", fmt.Errorf("%d writes exceed the batch limit", len(shapes)))
	}
	out := make([]model.Shape, 0, len(shapes))
	err := b.inTx(ctx, "batch_create", func(tx pgx.Tx, now int64) error {
		for _, s := range shapes {
			created, err := create(ctx, tx, boardID, s, actor, now)
			if err != nil {
				return err
			}
			out = append(out, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchUpdate applies every patch in one transaction, queued as a pgx.Batch.
func (b *Backend) BatchUpdate(ctx context.Context, boardID string, updates []model.ShapeUpdate, actor model.Actor) (int64, error) {
	if len(updates) > remote.MaxBatch {
		return 0, remote.Status(remote.CodeInvalidArgument, "batch_update", fmt.Errorf("%d writes exceed the batch limit", len(updates)))
	}
	var latest int64
	err := b.inTx(ctx, "batch_update", func(tx pgx.Tx, now int64) error {
		batch := &pgx.Batch{}
		for _, u := range updates {
			fields, err := patchFields(u.Patch, actor)
			if err != nil {
				return fmt.Errorf("failed to encode patch: %w", err)
			}
			raw, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("failed to encode patch: %w", err)
			}
			batch.Queue(`
				UPDATE shapes
				SET updated_at = GREATEST($3::bigint, updated_at + 1),
				    data = data || $4::jsonb || jsonb_build_object('updatedAt', GREATEST($3::bigint, updated_at + 1))
				WHERE board_id = $1 AND shape_id = $2
				RETURNING updated_at`, boardID, u.ID, now, raw)
			batch.Queue(`SELECT pg_notify($1, $2)`, Channel, boardID+"|"+u.ID)
		}

		results := tx.SendBatch(ctx, batch)
		for _, u := range updates {
			var ts int64
			err := results.QueryRow().Scan(&ts)
			if errors.Is(err, pgx.ErrNoRows) {
				results.Close()
				return remote.Status(remote.CodeNotFound, "batch_update", fmt.Errorf("shape %s", u.ID))
			}
			if err != nil {
				results.Close()
				return err
			}
			latest = max(latest, ts)
			if _, err := results.Exec(); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
	return latest, err
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}
