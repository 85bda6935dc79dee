package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/retry"
)

const (
	defaultBuffer       = 1024
	defaultPollInterval = 2 * time.Second
	pageSize            = 256

	insertEventSQL = `INSERT INTO events (ts, source, severity, kind, run_id, message, fields) VALUES (?, ?, ?, ?, ?, ?, ?)`
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("activity log closed")

// Options configures a Store.
type Options struct {
	Logger *logger.Logger
	// Buffer is the capacity of the append queue. Append blocks when full.
	Buffer int
	// PollInterval is the fallback wakeup of Follow when no change
	// notification arrives.
	PollInterval time.Duration
	// Instance is stamped into every event's fields when set.
	Instance string
	// Now overrides the clock.
	Now func() time.Time
}

type request struct {
	ev    Event
	flush chan struct{}
}

// Store is the SQLite-backed activity log.
type Store struct {
	db     *sql.DB
	path   string
	ownsDB bool
	opts   Options
	log    *logger.Logger

	queue      chan request
	writerDone chan struct{}

	mu     sync.RWMutex
	closed bool

	notifyMu sync.Mutex
	notifyCh chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// Stats are writer counters.
type Stats struct {
	Appended uint64 `json:"appended"`
	Failed   uint64 `json:"failed"`
	LastID   int64  `json:"last_id"`
}

// Open opens (creating if needed) the activity database at path, applies
// migrations and starts the writer.
func Open(path string, opts Options) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, opts.Logger); err != nil {
		db.Close()
		return nil, err
	}
	s := New(db, opts)
	s.path = path
	s.ownsDB = true
	return s, nil
}

// New wraps an already migrated database and starts the writer. The caller
// keeps ownership of db.
func New(db *sql.DB, opts Options) *Store {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	s := &Store{
		db:         db,
		opts:       opts,
		log:        log.With(logger.Field{Key: "component", Value: "activity"}),
		queue:      make(chan request, opts.Buffer),
		writerDone: make(chan struct{}),
		notifyCh:   make(chan struct{}),
	}
	go s.writer()
	return s
}

// Path returns the database file, or "" when the Store wraps a foreign DB.
func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory holding the database.
func (s *Store) Dir() string {
	if s.path == "" {
		return ""
	}
	return filepath.Dir(s.path)
}

// Append queues ev for writing. Events are written in Append order. Time
// defaults to now and Severity to info. Append blocks while the queue is full.
func (s *Store) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = s.opts.Now()
	}
	if !ev.Severity.Valid() {
		ev.Severity = SeverityInfo
	}
	if s.opts.Instance != "" {
		fields := make(map[string]any, len(ev.Fields)+1)
		for k, v := range ev.Fields {
			fields[k] = v
		}
		fields["instance"] = s.opts.Instance
		ev.Fields = fields
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.queue <- request{ev: ev}
	return nil
}

// Flush blocks until every event appended before the call is committed.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- request{flush: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue, stops the writer and closes the database if the
// Store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.writerDone

	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Stats returns writer counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Store) writer() {
	defer close(s.writerDone)

	for req := range s.queue {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		s.write(req.ev)
	}
}

func (s *Store) write(ev Event) {
	var fields []byte
	if len(ev.Fields) > 0 {
		var err error
		fields, err = json.Marshal(ev.Fields)
		if err != nil {
			fields, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
	}

	id, err := retry.DoWithRetry(context.Background(), retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}, func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, insertEventSQL,
			ev.Time.UnixNano(), string(ev.Source), int(ev.Severity), ev.Kind, int64(ev.RunID), ev.Message, nullableJSON(fields))
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})

	s.statsMu.Lock()
	if err != nil {
		s.stats.Failed++
	} else {
		s.stats.Appended++
		s.stats.LastID = id
	}
	s.statsMu.Unlock()

	if err != nil {
		s.log.Error("failed to write activity event", err,
			logger.Field{Key: "kind", Value: ev.Kind},
			logger.Field{Key: "message", Value: ev.Message})
	} else {
		ev.ID = id
		s.broadcast()
	}
	s.mirror(ev)
}

// mirror copies ev into the process log.
func (s *Store) mirror(ev Event) {
	fields := []logger.Field{
		{Key: "source", Value: string(ev.Source)},
		{Key: "kind", Value: ev.Kind},
		{Key: "severity", Value: ev.Severity.String()},
	}
	if ev.ID != 0 {
		fields = append(fields, logger.Field{Key: "event_id", Value: ev.ID})
	}
	if ev.RunID != 0 {
		fields = append(fields, logger.Field{Key: "run_id", Value: ev.RunID})
	}
	for k, v := range ev.Fields {
		fields = append(fields, logger.Field{Key: k, Value: v})
	}
	s.log.Log(context.Background(), ev.Severity.SlogLevel(), ev.Message, fields...)
}

func (s *Store) changed() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

func (s *Store) broadcast() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

// LastID returns the highest committed event id, 0 for an empty log.
func (s *Store) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM events").Scan(&id); err != nil {
		return 0, errors.Wrap(err, "read last event id")
	}
	return id.Int64, nil
}

// MaxRunID returns the highest run id recorded in the log, 0 when no event
// carries one.
func (s *Store) MaxRunID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(run_id) FROM events").Scan(&id); err != nil {
		return 0, errors.Wrap(err, "read highest run id")
	}
	if id.Int64 < 0 {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count events")
	}
	return n, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
