package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DB is the query surface used by the Postgres record sources.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Records created by system users (negative IDs) are never backed up.
const (
	uploadsByUsers  = `uploads.user_id > 0`
	optimizedByUser = `FROM optimized_images oi JOIN uploads ON uploads.id = oi.upload_id WHERE ` + uploadsByUsers
)

func remoteURL(col string) string {
	return fmt.Sprintf(`(%[1]s LIKE '//%%' OR %[1]s LIKE '%%://%%')`, col)
}

func localURL(col string) string {
	return "NOT " + remoteURL(col)
}

// UploadSource lists user uploads, both local and remote.
type UploadSource struct {
	db DB
}

func NewUploadSource(db DB) *UploadSource {
	return &UploadSource{db: db}
}

func (s *UploadSource) Kind() string { return "upload" }

func (s *UploadSource) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM uploads WHERE `+uploadsByUsers).Scan(&n); err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return n, nil
}

func (s *UploadSource) List(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, sha1, url, COALESCE(extension, '') FROM uploads
		 WHERE `+uploadsByUsers+` AND id > $1 ORDER BY id LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads after %d: %w", afterID, err)
	}
	return scanRecords(rows, "original")
}

// HasLocal reports whether any user upload is stored on local disk.
func (s *UploadSource) HasLocal(ctx context.Context) (bool, error) {
	return s.exists(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM uploads WHERE %s AND %s)`, uploadsByUsers, localURL("url")))
}

// HasRemote reports whether any user upload is stored in object storage.
func (s *UploadSource) HasRemote(ctx context.Context) (bool, error) {
	return s.exists(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM uploads WHERE %s AND %s)`, uploadsByUsers, remoteURL("url")))
}

func (s *UploadSource) exists(ctx context.Context, query string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, query).Scan(&ok); err != nil {
		return false, fmt.Errorf("check uploads: %w", err)
	}
	return ok, nil
}

// OptimizedImageSource lists locally stored optimized images of user
// uploads. Remote optimized images are regenerated on restore and are never
// part of a backup, so they are excluded from the count as well.
type OptimizedImageSource struct {
	db DB
}

func NewOptimizedImageSource(db DB) *OptimizedImageSource {
	return &OptimizedImageSource{db: db}
}

func (s *OptimizedImageSource) Kind() string { return "optimized image" }

func (s *OptimizedImageSource) Count(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) %s AND %s`, optimizedByUser, localURL("oi.url"))
	if err := s.db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count optimized images: %w", err)
	}
	return n, nil
}

func (s *OptimizedImageSource) List(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	query := fmt.Sprintf(
		`SELECT oi.id, oi.sha1, oi.url, COALESCE(oi.extension, '') %s AND %s AND oi.id > $1 ORDER BY oi.id LIMIT $2`,
		optimizedByUser, localURL("oi.url"),
	)
	rows, err := s.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list optimized images after %d: %w", afterID, err)
	}
	return scanRecords(rows, "optimized")
}

// HasLocal reports whether any optimized image is stored on local disk.
func (s *OptimizedImageSource) HasLocal(ctx context.Context) (bool, error) {
	var ok bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 %s AND %s)`, optimizedByUser, localURL("oi.url"))
	if err := s.db.QueryRow(ctx, query).Scan(&ok); err != nil {
		return false, fmt.Errorf("check optimized images: %w", err)
	}
	return ok, nil
}

func scanRecords(rows pgx.Rows, dir string) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			url, ext string
		)
		if err := rows.Scan(&r.ID, &r.SHA1, &url, &ext); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", dir, err)
		}
		r.RelativePath = RelativePath(dir, url, r.SHA1, ext)
		r.Remote = isRemoteURL(url)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s records: %w", dir, err)
	}
	return records, nil
}
