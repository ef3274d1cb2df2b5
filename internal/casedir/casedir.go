// Package casedir reads subject and case display metadata from the
// case-management MariaDB database. Access is read-only: the face-match
// service never owns case records, it only enriches search results with them.
package casedir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/reunia/facematch/internal/database"
)

// Directory is a CaseDirectory backed by the case-management MariaDB.
type Directory struct {
	db *sql.DB
}

// New opens a read-only connection pool to the case-management database.
func New(dsn string) (*Directory, error) {
	if dsn == "" {
		return nil, errors.New("case directory DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open case directory: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping case directory: %w", err)
	}

	return &Directory{db: db}, nil
}

// Close closes the connection pool.
func (d *Directory) Close() error {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return fmt.Errorf("closing case directory connection: %w", err)
		}
	}
	return nil
}

// GetSubject returns display metadata for a subject, nil if unknown. A subject
// deleted from case management after its embeddings were ingested is not an
// error: the caller skips enrichment and keeps the match.
func (d *Directory) GetSubject(ctx context.Context, subjectID string) (*database.Subject, error) {
	query := `
		SELECT s.subject_uid, c.case_uid, s.display_name, c.reference, c.status
		FROM subjects s
		JOIN cases c ON c.id = s.case_id
		WHERE s.subject_uid = ?
	`

	var subj database.Subject
	err := d.db.QueryRowContext(ctx, query, subjectID).Scan(
		&subj.SubjectID, &subj.CaseID, &subj.DisplayName, &subj.CaseRef, &subj.CaseStatus,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query subject: %w", err)
	}
	// Case management stores names as entered by intake staff; audit lines
	// need a diacritic- and case-stable form.
	subj.NormalizedName = NormalizeSubjectName(subj.DisplayName)
	return &subj, nil
}

// Verify interface compliance.
var _ database.CaseDirectory = (*Directory)(nil)
