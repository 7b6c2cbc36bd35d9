package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabsync/collab/collab"
)

// postgres-backed content store. one jsonb document per
// (content_type, content_id), merged server-side so a field patch is a
// single round trip.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, url string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	store := &PgStore{
		pool: pool,
	}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (self *PgStore) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(
		ctx,
		`
		CREATE TABLE IF NOT EXISTS content_records (
			content_type text NOT NULL,
			content_id text NOT NULL,
			data jsonb NOT NULL DEFAULT '{}'::jsonb,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (content_type, content_id)
		)
		`,
	)
	return err
}

func (self *PgStore) Get(ctx context.Context, contentType string, contentId string) (map[string]any, error) {
	var data []byte
	err := self.pool.QueryRow(
		ctx,
		`SELECT data FROM content_records WHERE content_type = $1 AND content_id = $2`,
		contentType,
		contentId,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	record := map[string]any{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func (self *PgStore) Apply(ctx context.Context, contentType string, contentId string, changes []collab.ContentChange) (map[string]any, error) {
	patch := map[string]any{}
	for _, change := range changes {
		patch[change.Field] = change.NewValue
	}
	patchJson, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = self.pool.QueryRow(
		ctx,
		`
		INSERT INTO content_records (content_type, content_id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (content_type, content_id)
		DO UPDATE SET data = content_records.data || $3::jsonb, updated_at = now()
		RETURNING data
		`,
		contentType,
		contentId,
		patchJson,
	).Scan(&data)
	if err != nil {
		return nil, err
	}
	record := map[string]any{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func (self *PgStore) Delete(ctx context.Context, contentType string, contentId string) error {
	tag, err := self.pool.Exec(
		ctx,
		`DELETE FROM content_records WHERE content_type = $1 AND content_id = $2`,
		contentType,
		contentId,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrContentNotFound
	}
	return nil
}

func (self *PgStore) Close() {
	self.pool.Close()
}
