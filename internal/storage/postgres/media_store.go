// Package postgres provides Postgres-backed persistence implementations.
//
// Expected schema:
//
//	media      (id text pk, kind text, status text, filename text,
//	            content_type text, byte_size bigint, checksum text,
//	            storage_path text, url text, image jsonb, audio jsonb,
//	            variants jsonb, ref_count int, error_text text,
//	            deleted_at timestamptz, created_at timestamptz,
//	            updated_at timestamptz)
//	works      (id text pk, title text, slug text, kind text,
//	            created_at timestamptz)
//	work_media (work_id text references works, media_id text references
//	            media, primary key (work_id, media_id))
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tonefield/mediad/internal/media"
)

// foreignKeyViolation is the Postgres error code raised when an attach
// references a missing work.
const foreignKeyViolation = "23503"

// MediaStoreConfig controls the Postgres connection pool.
type MediaStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// MediaStore persists media and work rows in Postgres.
type MediaStore struct {
	pool    dbPool
	nowFunc func() time.Time
}

// NewMediaStore connects a pool using the provided config.
func NewMediaStore(ctx context.Context, cfg MediaStoreConfig) (*MediaStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &MediaStore{
		pool:    pool,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewMediaStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewMediaStoreWithPool(pool dbPool) (*MediaStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &MediaStore{
		pool:    pool,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *MediaStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const mediaColumns = `id, kind, status, filename, content_type, byte_size, checksum,
storage_path, url, image, audio, variants, ref_count, error_text,
deleted_at, created_at, updated_at`

// CreateMedia inserts a new media row.
func (s *MediaStore) CreateMedia(ctx context.Context, m media.Media) error {
	image, audio, variants, err := marshalDerived(m.Image, m.Audio, m.Variants)
	if err != nil {
		return err
	}
	query := `
INSERT INTO media (` + mediaColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	args := []any{
		m.ID, m.Kind, m.Status, m.Filename, m.ContentType, m.ByteSize, m.Checksum,
		m.StoragePath, m.URL, image, audio, variants, m.RefCount, m.ErrorText,
		m.DeletedAt, m.CreatedAt, m.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

// GetMedia fetches a media row by ID.
func (s *MediaStore) GetMedia(ctx context.Context, mediaID string) (media.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE id = $1`
	m, err := scanMedia(s.pool.QueryRow(ctx, query, mediaID))
	if errors.Is(err, pgx.ErrNoRows) {
		return media.Media{}, media.ErrNotFound
	}
	if err != nil {
		return media.Media{}, fmt.Errorf("select media: %w", err)
	}
	return m, nil
}

// ListMedia returns rows matching the filter, newest first.
func (s *MediaStore) ListMedia(ctx context.Context, filter media.ListFilter) ([]media.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE ($1 = '' OR kind = $1)`
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, string(filter.Kind))
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	var out []media.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media rows: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the lifecycle status and error text of a row.
func (s *MediaStore) UpdateStatus(ctx context.Context, mediaID string, status media.Status, errText string) error {
	query := `UPDATE media SET status = $2, error_text = $3, updated_at = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, mediaID, status, errText, s.nowFunc())
	if err != nil {
		return fmt.Errorf("update media status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	return nil
}

// UpdateProcessed records derivative metadata after a successful pipeline run.
func (s *MediaStore) UpdateProcessed(
	ctx context.Context,
	mediaID string,
	result media.ProcessResult,
	variants []media.Variant,
	url string,
) error {
	image, audio, variantsJSON, err := marshalDerived(result.Image, result.Audio, variants)
	if err != nil {
		return err
	}
	query := `
UPDATE media
SET status = $2, error_text = '', image = $3, audio = $4, variants = $5,
    url = COALESCE(NULLIF($6, ''), url), updated_at = $7
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, mediaID, media.StatusReady, image, audio, variantsJSON, url, s.nowFunc())
	if err != nil {
		return fmt.Errorf("update media processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	return nil
}

// AttachMedia links a work to a media row and increments its reference count.
// Attaching also clears a soft-delete marker.
func (s *MediaStore) AttachMedia(ctx context.Context, workID, mediaID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin attach: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
INSERT INTO work_media (work_id, media_id)
VALUES ($1, $2)
ON CONFLICT (work_id, media_id) DO NOTHING`, workID, mediaID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return media.ErrNotFound
		}
		return fmt.Errorf("insert work_media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrAlreadyAttached
	}

	tag, err = tx.Exec(ctx, `
UPDATE media
SET ref_count = ref_count + 1, deleted_at = NULL, updated_at = $2
WHERE id = $1`, mediaID, s.nowFunc())
	if err != nil {
		return fmt.Errorf("increment ref_count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit attach: %w", err)
	}
	return nil
}

// DetachMedia unlinks a work from a media row and decrements its reference
// count; a row reaching zero references is soft-deleted.
func (s *MediaStore) DetachMedia(ctx context.Context, workID, mediaID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin detach: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
DELETE FROM work_media WHERE work_id = $1 AND media_id = $2`, workID, mediaID)
	if err != nil {
		return fmt.Errorf("delete work_media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}

	now := s.nowFunc()
	tag, err = tx.Exec(ctx, `
UPDATE media
SET ref_count = GREATEST(ref_count - 1, 0),
    deleted_at = CASE WHEN ref_count <= 1 THEN $2 ELSE deleted_at END,
    updated_at = $2
WHERE id = $1`, mediaID, now)
	if err != nil {
		return fmt.Errorf("decrement ref_count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return media.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit detach: %w", err)
	}
	return nil
}

// SoftDelete marks an unreferenced row deleted. Already-deleted rows are left
// untouched so repeated deletes do not push the retention clock forward.
func (s *MediaStore) SoftDelete(ctx context.Context, mediaID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE media SET deleted_at = $2, updated_at = $2
WHERE id = $1 AND ref_count = 0 AND deleted_at IS NULL`, mediaID, s.nowFunc())
	if err != nil {
		return fmt.Errorf("soft-delete media: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var refCount int
	var deletedAt *time.Time
	err = s.pool.QueryRow(ctx, `SELECT ref_count, deleted_at FROM media WHERE id = $1`, mediaID).Scan(&refCount, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return media.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check media ref_count: %w", err)
	}
	if deletedAt != nil {
		return nil
	}
	return media.ErrStillReferenced
}

// PurgeDeleted permanently removes soft-deleted, unreferenced rows older than
// the cutoff and reports the blob paths to delete with them.
func (s *MediaStore) PurgeDeleted(ctx context.Context, olderThan time.Time) ([]media.PurgeCandidate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, storage_path, variants FROM media
WHERE deleted_at IS NOT NULL AND ref_count = 0 AND deleted_at < $1
FOR UPDATE`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select purge candidates: %w", err)
	}
	var candidates []media.PurgeCandidate
	var ids []string
	for rows.Next() {
		var (
			id, storagePath string
			variantsJSON    []byte
		)
		if err := rows.Scan(&id, &storagePath, &variantsJSON); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan purge candidate: %w", err)
		}
		paths := []string{storagePath}
		if len(variantsJSON) > 0 {
			var variants []media.Variant
			if err := json.Unmarshal(variantsJSON, &variants); err != nil {
				rows.Close()
				return nil, fmt.Errorf("unmarshal variants: %w", err)
			}
			for _, v := range variants {
				paths = append(paths, v.StoragePath)
			}
		}
		candidates = append(candidates, media.PurgeCandidate{MediaID: id, StoragePaths: paths})
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purge candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM media WHERE id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("delete purged media: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return candidates, nil
}

// CreateWork inserts a new work.
func (s *MediaStore) CreateWork(ctx context.Context, w media.Work) error {
	query := `INSERT INTO works (id, title, slug, kind, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := s.pool.Exec(ctx, query, w.ID, w.Title, w.Slug, w.Kind, w.CreatedAt); err != nil {
		return fmt.Errorf("insert work: %w", err)
	}
	return nil
}

// GetWork fetches a work with its attached media IDs.
func (s *MediaStore) GetWork(ctx context.Context, workID string) (media.Work, error) {
	var w media.Work
	err := s.pool.QueryRow(ctx, `
SELECT id, title, slug, kind, created_at FROM works WHERE id = $1`, workID).
		Scan(&w.ID, &w.Title, &w.Slug, &w.Kind, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return media.Work{}, media.ErrNotFound
	}
	if err != nil {
		return media.Work{}, fmt.Errorf("select work: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT media_id FROM work_media WHERE work_id = $1 ORDER BY media_id`, workID)
	if err != nil {
		return media.Work{}, fmt.Errorf("select work media: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return media.Work{}, fmt.Errorf("scan work media: %w", err)
		}
		w.MediaIDs = append(w.MediaIDs, id)
	}
	if err := rows.Err(); err != nil {
		return media.Work{}, fmt.Errorf("iterate work media: %w", err)
	}
	return w, nil
}

func marshalDerived(image *media.ImageMeta, audio *media.AudioMeta, variants []media.Variant) ([]byte, []byte, []byte, error) {
	var (
		imageJSON, audioJSON, variantsJSON []byte
		err                                error
	)
	if image != nil {
		if imageJSON, err = json.Marshal(image); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal image meta: %w", err)
		}
	}
	if audio != nil {
		if audioJSON, err = json.Marshal(audio); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal audio meta: %w", err)
		}
	}
	if len(variants) > 0 {
		if variantsJSON, err = json.Marshal(variants); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal variants: %w", err)
		}
	}
	return imageJSON, audioJSON, variantsJSON, nil
}

func scanMedia(row pgx.Row) (media.Media, error) {
	var (
		m                                  media.Media
		imageJSON, audioJSON, variantsJSON []byte
	)
	err := row.Scan(
		&m.ID, &m.Kind, &m.Status, &m.Filename, &m.ContentType, &m.ByteSize, &m.Checksum,
		&m.StoragePath, &m.URL, &imageJSON, &audioJSON, &variantsJSON, &m.RefCount, &m.ErrorText,
		&m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return media.Media{}, err
	}
	if len(imageJSON) > 0 {
		m.Image = &media.ImageMeta{}
		if err := json.Unmarshal(imageJSON, m.Image); err != nil {
			return media.Media{}, fmt.Errorf("unmarshal image meta: %w", err)
		}
	}
	if len(audioJSON) > 0 {
		m.Audio = &media.AudioMeta{}
		if err := json.Unmarshal(audioJSON, m.Audio); err != nil {
			return media.Media{}, fmt.Errorf("unmarshal audio meta: %w", err)
		}
	}
	if len(variantsJSON) > 0 {
		if err := json.Unmarshal(variantsJSON, &m.Variants); err != nil {
			return media.Media{}, fmt.Errorf("unmarshal variants: %w", err)
		}
	}
	return m, nil
}
