package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type cacheRow struct {
	bun.BaseModel `bun:"table:offline_cache"`

	Bucket       string    `bun:"bucket,pk"`
	URL          string    `bun:"url,pk"`
	Status       int       `bun:"status,notnull"`
	Header       string    `bun:"header"`
	ETag         string    `bun:"etag"`
	LastModified string    `bun:"last_modified"`
	StoredAt     time.Time `bun:"stored_at,notnull"`
	Body         []byte    `bun:"body"`
}

// SQLStore keeps entries in a single sqlite table.
type SQLStore struct {
	db *bun.DB
}

// OpenSQLite opens (or creates) a sqlite database at path. Use ":memory:"
// for a throwaway store. The pool is limited to one connection so an
// in-memory database is shared by every query.
func OpenSQLite(path string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// NewSQLStore creates the cache table if needed.
func NewSQLStore(ctx context.Context, db *bun.DB) (*SQLStore, error) {
	if _, err := db.NewCreateTable().Model((*cacheRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, bucket, key string) (*Entry, error) {
	var row cacheRow
	err := s.db.NewSelect().
		Model(&row).
		Where("bucket = ?", bucket).
		Where("url = ?", key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	e := &Entry{
		URL:          row.URL,
		Status:       row.Status,
		ETag:         row.ETag,
		LastModified: row.LastModified,
		StoredAt:     row.StoredAt,
		Body:         row.Body,
	}
	if row.Header != "" {
		if err := json.Unmarshal([]byte(row.Header), &e.Header); err != nil {
			return nil, err
		}
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	return e, nil
}

func (s *SQLStore) Put(ctx context.Context, bucket, key string, e *Entry) error {
	if e == nil {
		return errors.New("offline: nil entry")
	}
	hdr, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	row := &cacheRow{
		Bucket:       bucket,
		URL:          key,
		Status:       e.Status,
		Header:       string(hdr),
		ETag:         e.ETag,
		LastModified: e.LastModified,
		StoredAt:     e.StoredAt,
		Body:         e.Body,
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (bucket, url) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("header = EXCLUDED.header").
		Set("etag = EXCLUDED.etag").
		Set("last_modified = EXCLUDED.last_modified").
		Set("stored_at = EXCLUDED.stored_at").
		Set("body = EXCLUDED.body").
		Exec(ctx)
	return err
}

func (s *SQLStore) Buckets(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.NewSelect().
		Model((*cacheRow)(nil)).
		ColumnExpr("DISTINCT bucket").
		Order("bucket ASC").
		Scan(ctx, &names)
	return names, err
}

func (s *SQLStore) DropBucket(ctx context.Context, bucket string) error {
	_, err := s.db.NewDelete().
		Model((*cacheRow)(nil)).
		Where("bucket = ?", bucket).
		Exec(ctx)
	return err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
