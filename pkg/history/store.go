// Package history persists generation records in SQLite. Records are
// created pending and mutated one at a time by id.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultPageSize is used when a query leaves PageSize unset.
const DefaultPageSize = 16

const createTable = `
CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	raw_prompt TEXT NOT NULL,
	should_optimize INTEGER NOT NULL DEFAULT 0,
	session_id TEXT,
	image TEXT,
	video TEXT,
	video_status TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_session_time ON history(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_history_video_status ON history(video_status);
`

const selectColumns = `id, created_at, raw_prompt, should_optimize, session_id, image, video`

// Scope selects one of the two disjoint visibility sets.
type Scope struct {
	sessionID string
}

// Unmetered selects records created outside any partner session.
func Unmetered() Scope {
	return Scope{}
}

// ForSession selects records of one metered session. An empty id is the
// unmetered scope.
func ForSession(sessionID string) Scope {
	return Scope{sessionID: sessionID}
}

// SessionID returns the session of the scope, or "" when unmetered.
func (s Scope) SessionID() string {
	return s.sessionID
}

// Query is a paged listing request. Page is 1-based.
type Query struct {
	Scope    Scope
	Page     int
	PageSize int
}

// Page is one page of records, newest first.
type Page struct {
	Records  []*Record `json:"records"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}

// Store is a SQLite-backed history store.
type Store struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create history dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	return &Store{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new record. Sub-records without a status start pending.
func (s *Store) Create(ctx context.Context, d Draft) (*Record, error) {
	rec := &Record{
		ID:             s.newID(),
		CreatedAt:      s.now().UnixMilli(),
		RawPrompt:      d.RawPrompt,
		ShouldOptimize: d.ShouldOptimize,
		SessionID:      d.SessionID,
		Image:          d.Image,
		Video:          d.Video,
	}
	rec = rec.clone()
	if rec.Image != nil && rec.Image.Status == "" {
		rec.Image.Status = StatusPending
	}
	if rec.Video != nil && rec.Video.Status == "" {
		rec.Video.Status = StatusPending
	}
	if err := validateMutation(&Record{ID: rec.ID, CreatedAt: rec.CreatedAt, SessionID: rec.SessionID}, rec); err != nil {
		return nil, err
	}

	image, video, videoStatus, err := encodeParts(rec)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history (id, created_at, raw_prompt, should_optimize, session_id, image, video, video_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt, rec.RawPrompt, rec.ShouldOptimize, nullString(rec.SessionID), image, video, videoStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("insert history record: %w", err)
	}
	return rec, nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM history WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history record: %w", err)
	}
	return rec, nil
}

// Modify applies fn to the record with id inside a transaction and
// persists the result. Writers to the same id are serialized; readers are
// never blocked and only observe committed states.
func (s *Store) Modify(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	before, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load history record: %w", err)
	}

	after := before.clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := validateMutation(before, after); err != nil {
		return nil, err
	}

	image, video, videoStatus, err := encodeParts(after)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE history SET raw_prompt = ?, should_optimize = ?, image = ?, video = ?, video_status = ? WHERE id = ?`,
		after.RawPrompt, after.ShouldOptimize, image, video, videoStatus, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update history record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit history record: %w", err)
	}
	return after, nil
}

// List returns one page of records in the query scope, newest first.
func (s *Store) List(ctx context.Context, q Query) (*Page, error) {
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	where, args := scopeClause(q.Scope)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count history records: %w", err)
	}

	pageArgs := append(append([]any{}, args...), q.PageSize, (q.Page-1)*q.PageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM history WHERE `+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("list history records: %w", err)
	}
	defer rows.Close()

	page := &Page{Records: []*Record{}, Total: total, Page: q.Page, PageSize: q.PageSize}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

// Delete removes a record. It is the only way a record goes away.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete history record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingVideos returns every record whose video task is still pending,
// oldest first, across all scopes.
func (s *Store) PendingVideos(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM history WHERE video_status = ? ORDER BY created_at ASC`,
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending videos: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddVideo attaches a pending video sub-record to an existing record.
func (s *Store) AddVideo(ctx context.Context, id string, v Video) (*Record, error) {
	return s.Modify(ctx, id, func(r *Record) error {
		if r.Video != nil {
			return fmt.Errorf("%w: record already has a video", ErrInvalidTransition)
		}
		v.Status = StatusPending
		r.Video = &v
		return nil
	})
}

// UpdateVideoStatus moves the video of a record to status.
func (s *Store) UpdateVideoStatus(ctx context.Context, id string, status Status, url, coverURL string) (*Record, error) {
	return s.Modify(ctx, id, func(r *Record) error {
		if r.Video == nil {
			return fmt.Errorf("%w: record has no video", ErrInvalidTransition)
		}
		r.Video.Status = status
		if url != "" {
			r.Video.URL = url
		}
		if coverURL != "" {
			r.Video.CoverURL = coverURL
		}
		return nil
	})
}

func scopeClause(scope Scope) (string, []any) {
	if scope.sessionID == "" {
		return "session_id IS NULL", nil
	}
	return "session_id = ?", []any{scope.sessionID}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		optimize  bool
		sessionID sql.NullString
		image     sql.NullString
		video     sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.RawPrompt, &optimize, &sessionID, &image, &video); err != nil {
		return nil, err
	}
	rec.ShouldOptimize = optimize
	rec.SessionID = sessionID.String
	if image.Valid && image.String != "" {
		rec.Image = &Image{}
		if err := json.Unmarshal([]byte(image.String), rec.Image); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
	}
	if video.Valid && video.String != "" {
		rec.Video = &Video{}
		if err := json.Unmarshal([]byte(video.String), rec.Video); err != nil {
			return nil, fmt.Errorf("decode video: %w", err)
		}
	}
	return &rec, nil
}

func encodeParts(rec *Record) (image, video, videoStatus sql.NullString, err error) {
	if rec.Image != nil {
		data, err := json.Marshal(rec.Image)
		if err != nil {
			return image, video, videoStatus, fmt.Errorf("encode image: %w", err)
		}
		image = sql.NullString{String: string(data), Valid: true}
	}
	if rec.Video != nil {
		data, err := json.Marshal(rec.Video)
		if err != nil {
			return image, video, videoStatus, fmt.Errorf("encode video: %w", err)
		}
		video = sql.NullString{String: string(data), Valid: true}
		videoStatus = sql.NullString{String: string(rec.Video.Status), Valid: true}
	}
	return image, video, videoStatus, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
