package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blackwell-systems/bookledger/internal/catalog"
)

const publicationColumns = `job_id, publisher_id, content_fp, cover_fp, title, author_name, description,
	price_minor, royalty_percent, status, ledger_id, tx_id, content_uploaded, cover_uploaded,
	attempts, abort_requested, last_error, last_error_kind, created_at, updated_at`

// UpsertPublication writes the job row. An abort request recorded by another
// process is never cleared by an upsert; use ClearAbort.
func (s *Store) UpsertPublication(ctx context.Context, j *PublicationJob) error {
	if j.JobID == "" {
		return fmt.Errorf("upsert publication: empty job id")
	}
	if err := j.CheckInvariants(); err != nil {
		return fmt.Errorf("upsert publication %s: %w", j.JobID, err)
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Attempts == nil {
		j.Attempts = map[catalog.Status]int{}
	}
	attempts, err := json.Marshal(j.Attempts)
	if err != nil {
		return fmt.Errorf("upsert publication: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO publication_jobs (`+publicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			title = excluded.title,
			author_name = excluded.author_name,
			description = excluded.description,
			price_minor = excluded.price_minor,
			royalty_percent = excluded.royalty_percent,
			status = excluded.status,
			ledger_id = excluded.ledger_id,
			tx_id = excluded.tx_id,
			content_uploaded = excluded.content_uploaded,
			cover_uploaded = excluded.cover_uploaded,
			attempts = excluded.attempts,
			abort_requested = MAX(publication_jobs.abort_requested, excluded.abort_requested),
			last_error = excluded.last_error,
			last_error_kind = excluded.last_error_kind,
			updated_at = excluded.updated_at
	`,
		j.JobID, j.PublisherID, j.ContentFingerprint, j.CoverFingerprint, j.Title, j.AuthorName, j.Description,
		j.PriceMinorUnits, j.RoyaltyPercent, string(j.Status), j.LedgerID, j.TxID,
		boolInt(j.ContentUploaded), boolInt(j.CoverUploaded), string(attempts), boolInt(j.AbortRequested),
		j.LastError, j.LastErrorKind, formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert publication %s: %w", j.JobID, err)
	}
	return nil
}

// GetPublication returns the job with the given id.
func (s *Store) GetPublication(ctx context.Context, jobID string) (*PublicationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publication_jobs WHERE job_id = ?`, jobID)
	return scanPublication(row)
}

// PublicationByNaturalKey finds a job by its submission identity.
func (s *Store) PublicationByNaturalKey(ctx context.Context, publisherID, contentFP, coverFP string) (*PublicationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+publicationColumns+` FROM publication_jobs
		WHERE publisher_id = ? AND content_fp = ? AND cover_fp = ?`,
		publisherID, contentFP, coverFP)
	return scanPublication(row)
}

// ListIncompletePublications returns every job not yet Published or Failed,
// oldest first.
func (s *Store) ListIncompletePublications(ctx context.Context) ([]*PublicationJob, error) {
	return s.queryPublications(ctx, `
		SELECT `+publicationColumns+` FROM publication_jobs
		WHERE status NOT IN (?, ?)
		ORDER BY created_at`,
		string(catalog.StatusPublished), string(catalog.StatusFailed))
}

// ListPublications returns the most recently updated jobs.
func (s *Store) ListPublications(ctx context.Context, limit int) ([]*PublicationJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryPublications(ctx, `
		SELECT `+publicationColumns+` FROM publication_jobs
		ORDER BY updated_at DESC LIMIT ?`, limit)
}

// RequestAbort marks the job so no further stage is scheduled.
func (s *Store) RequestAbort(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE publication_jobs SET abort_requested = 1 WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("request abort %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAbort resets an abort request, used when a failed job is restarted.
func (s *Store) ClearAbort(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE publication_jobs SET abort_requested = 0 WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("clear abort %s: %w", jobID, err)
	}
	return nil
}

// AbortRequested reports the job's current abort flag.
func (s *Store) AbortRequested(ctx context.Context, jobID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT abort_requested FROM publication_jobs WHERE job_id = ?`, jobID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return v == 1, err
}

func (s *Store) queryPublications(ctx context.Context, query string, args ...interface{}) ([]*PublicationJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query publications: %w", err)
	}
	defer rows.Close()
	var out []*PublicationJob
	for rows.Next() {
		j, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPublication(sc scanner) (*PublicationJob, error) {
	var (
		j                        PublicationJob
		status, attempts         string
		createdAt, updatedAt     string
		contentUp, coverUp, abrt int
	)
	err := sc.Scan(&j.JobID, &j.PublisherID, &j.ContentFingerprint, &j.CoverFingerprint, &j.Title, &j.AuthorName,
		&j.Description, &j.PriceMinorUnits, &j.RoyaltyPercent, &status, &j.LedgerID, &j.TxID,
		&contentUp, &coverUp, &attempts, &abrt, &j.LastError, &j.LastErrorKind, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan publication: %w", err)
	}
	j.Status = catalog.Status(status)
	j.ContentUploaded = contentUp == 1
	j.CoverUploaded = coverUp == 1
	j.AbortRequested = abrt == 1
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	j.Attempts = map[catalog.Status]int{}
	if err := json.Unmarshal([]byte(attempts), &j.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts of %s: %w", j.JobID, err)
	}
	return &j, nil
}
