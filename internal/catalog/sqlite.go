package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

// SQLite implements Catalog on a local SQLite database. Digests are
// stored as lower-case hex TEXT so the schema stays inspectable with
// the sqlite3 shell.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and bootstraps the
// schema. The special path ":memory:" yields a private in-memory
// database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	// modernc sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between pooled writers.
	db.SetMaxOpenConns(1)
	c := &SQLite{db: db}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database connection.
func (c *SQLite) Close() error { return c.db.Close() }

func (c *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		project TEXT NOT NULL,
		repo TEXT NOT NULL,
		blob_id TEXT NOT NULL,
		content_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project, repo, blob_id)
	);
	CREATE INDEX IF NOT EXISTS idx_blobs_content_id
		ON blobs (project, repo, content_id);

	CREATE TABLE IF NOT EXISTS refs (
		project TEXT NOT NULL,
		repo TEXT NOT NULL,
		bucket TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		blob_id TEXT NOT NULL,
		inline_blob BLOB,
		finalized INTEGER NOT NULL DEFAULT 0,
		last_access_at INTEGER NOT NULL,
		PRIMARY KEY (project, repo, bucket, ref_id)
	);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	return nil
}

// PutBlob upserts the blob record, preserving the original creation
// time on re-upload.
func (c *SQLite) PutBlob(ctx context.Context, blob Blob) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO blobs (project, repo, blob_id, content_id, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, repo, blob_id) DO UPDATE SET
			content_id = excluded.content_id,
			size = excluded.size`,
		blob.Project, blob.Repo, blob.BlobID.String(), blob.ContentID.String(),
		blob.Size, blob.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: put blob: %w", err)
	}
	return nil
}

// GetBlob fetches one blob record.
func (c *SQLite) GetBlob(ctx context.Context, project, repo string, blobID iohash.Hash) (*Blob, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT content_id, size, created_at
		FROM blobs
		WHERE project = ? AND repo = ? AND blob_id = ?`,
		project, repo, blobID.String(),
	)
	var contentHex string
	var size, createdAt int64
	if err := row.Scan(&contentHex, &size, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get blob: %w", err)
	}
	contentID, err := iohash.Parse(contentHex)
	if err != nil {
		return nil, fmt.Errorf("catalog: corrupt content_id %q: %w", contentHex, err)
	}
	return &Blob{
		Project:   project,
		Repo:      repo,
		BlobID:    blobID,
		ContentID: contentID,
		Size:      size,
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}, nil
}

// FindBlobsByContentID returns matching blobs ordered by size then
// blob id.
func (c *SQLite) FindBlobsByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) ([]Blob, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT blob_id, size, created_at
		FROM blobs
		WHERE project = ? AND repo = ? AND content_id = ?
		ORDER BY size ASC, blob_id ASC`,
		project, repo, contentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: find blobs by content id: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var blobHex string
		var size, createdAt int64
		if err := rows.Scan(&blobHex, &size, &createdAt); err != nil {
			return nil, fmt.Errorf("catalog: scan blob row: %w", err)
		}
		blobID, err := iohash.Parse(blobHex)
		if err != nil {
			return nil, fmt.Errorf("catalog: corrupt blob_id %q: %w", blobHex, err)
		}
		out = append(out, Blob{
			Project:   project,
			Repo:      repo,
			BlobID:    blobID,
			ContentID: contentID,
			Size:      size,
			CreatedAt: time.Unix(0, createdAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterate blob rows: %w", err)
	}
	return out, nil
}

// FindSmallestBlobByContentID returns the cheapest matching blob.
func (c *SQLite) FindSmallestBlobByContentID(ctx context.Context, project, repo string, contentID iohash.Hash) (*Blob, error) {
	blobs, err := c.FindBlobsByContentID(ctx, project, repo, contentID)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, ErrNotFound
	}
	return &blobs[0], nil
}

// PutReference creates or replaces the reference record.
func (c *SQLite) PutReference(ctx context.Context, ref Reference) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO refs
			(project, repo, bucket, ref_id, blob_id, inline_blob, finalized, last_access_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.Project, ref.Repo, ref.Bucket, ref.RefID, ref.BlobID.String(),
		ref.InlineBlob, boolToInt(ref.Finalized), ref.LastAccessAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: put reference: %w", err)
	}
	return nil
}

// GetReference fetches one reference record.
func (c *SQLite) GetReference(ctx context.Context, project, repo, bucket, refID string) (*Reference, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT blob_id, inline_blob, finalized, last_access_at
		FROM refs
		WHERE project = ? AND repo = ? AND bucket = ? AND ref_id = ?`,
		project, repo, bucket, refID,
	)
	var blobHex string
	var inline []byte
	var finalized int
	var lastAccess int64
	if err := row.Scan(&blobHex, &inline, &finalized, &lastAccess); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: get reference: %w", err)
	}
	blobID, err := iohash.Parse(blobHex)
	if err != nil {
		return nil, fmt.Errorf("catalog: corrupt blob_id %q: %w", blobHex, err)
	}
	return &Reference{
		Project:      project,
		Repo:         repo,
		Bucket:       bucket,
		RefID:        refID,
		BlobID:       blobID,
		InlineBlob:   inline,
		Finalized:    finalized != 0,
		LastAccessAt: time.Unix(0, lastAccess).UTC(),
	}, nil
}

// SetFinalized flips the finalized flag on an existing reference.
func (c *SQLite) SetFinalized(ctx context.Context, project, repo, bucket, refID string, finalized bool) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE refs SET finalized = ?
		WHERE project = ? AND repo = ? AND bucket = ? AND ref_id = ?`,
		boolToInt(finalized), project, repo, bucket, refID,
	)
	if err != nil {
		return fmt.Errorf("catalog: set finalized: %w", err)
	}
	return requireRow(result, "set finalized")
}

// TouchReference updates the last-access timestamp.
func (c *SQLite) TouchReference(ctx context.Context, project, repo, bucket, refID string, at time.Time) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE refs SET last_access_at = ?
		WHERE project = ? AND repo = ? AND bucket = ? AND ref_id = ?`,
		at.UTC().UnixNano(), project, repo, bucket, refID,
	)
	if err != nil {
		return fmt.Errorf("catalog: touch reference: %w", err)
	}
	return requireRow(result, "touch reference")
}

func requireRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: %s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
