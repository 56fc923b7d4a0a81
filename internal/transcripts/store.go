package transcripts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("transcript not found")

// Record is a saved transcript.
type Record struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed transcript store.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// Open initializes the transcript store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		log:    log,
		tracer: otel.Tracer("github.com/loqalabs/loqa-scribe/internal/transcripts"),
		clock:  time.Now,
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("transcript store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcript store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert writes a new record. A zero CreatedAt is stamped with the store clock.
func (s *Store) Insert(ctx context.Context, rec Record) (_ Record, err error) {
	ctx, span := s.tracer.Start(ctx, "transcripts.insert")
	defer func() { endSpan(span, err) }()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(text, created_at) VALUES(?, ?)`,
		rec.Text, rec.CreatedAt.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("insert transcript: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("insert transcript: %w", err)
	}
	span.SetAttributes(attribute.Int64("transcript.id", rec.ID))

	if perr := s.Prune(ctx); perr != nil {
		s.log.Warn("transcript store prune failed", slog.String("error", perr.Error()))
	}
	return rec, nil
}

// Delete removes a record immediately.
func (s *Store) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "transcripts.delete", trace.WithAttributes(attribute.Int64("transcript.id", id)))
	defer func() { endSpan(span, err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads a single record.
func (s *Store) Get(ctx context.Context, id int64) (_ Record, err error) {
	ctx, span := s.tracer.Start(ctx, "transcripts.get", trace.WithAttributes(attribute.Int64("transcript.id", id)))
	defer func() { endSpan(span, err) }()

	var (
		rec     Record
		created int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, text, created_at FROM transcripts WHERE id = ?`, id).Scan(&rec.ID, &rec.Text, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get transcript: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) (_ []Record, err error) {
	ctx, span := s.tracer.Start(ctx, "transcripts.list")
	defer func() { endSpan(span, err) }()
	return s.list(ctx)
}

func (s *Store) list(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at FROM transcripts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec     Record
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &created); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Search returns records whose text contains query under Unicode case
// folding, newest first. An empty query lists everything.
func (s *Store) Search(ctx context.Context, query string) (_ []Record, err error) {
	ctx, span := s.tracer.Start(ctx, "transcripts.search")
	defer func() { endSpan(span, err) }()

	records, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return records, nil
	}

	fold := cases.Fold()
	needle := fold.String(query)
	matched := records[:0]
	for _, rec := range records {
		if strings.Contains(fold.String(rec.Text), needle) {
			matched = append(matched, rec)
		}
	}
	span.SetAttributes(attribute.Int("transcripts.matched", len(matched)))
	return matched, nil
}

// Prune applies configured retention (called on startup and after inserts).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxRecords <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE id IN (
			SELECT id FROM transcripts ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
