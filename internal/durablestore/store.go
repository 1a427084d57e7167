// Package durablestore implements the local transactional fallback store
// (spec §4.3): a batched, timer-debounced append buffer over SQLite, plus
// the atomic claim-and-recover protocol used by the recovery manager.
//
// The connection layer (PRAGMA application, fail-fast config validation,
// typed *Error) is grounded on the teacher's pkg/db/pool.go. The buffered-
// append-with-debounce-timer design — a single background goroutine owning
// the buffer and flush timer, driven by buffered channels rather than a
// mutex — is grounded on other_examples/tysonthomas9-beads__flush_manager.go.
package durablestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fluxorio/carseeder/internal/carmodel"
)

// Error mirrors the teacher's pkg/db.Error shape (a typed code+message
// error distinguishing config/state/input mistakes from driver errors).
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Config configures the durable store.
type Config struct {
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	InstanceID    string
}

func DefaultConfig(path, instanceID string) Config {
	return Config{
		Path:          path,
		BatchSize:     50,
		FlushInterval: time.Second,
		InstanceID:    instanceID,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_cars (
	id TEXT PRIMARY KEY,
	normalized_make TEXT NOT NULL,
	normalized_model TEXT NOT NULL,
	year INTEGER NOT NULL,
	price REAL NOT NULL,
	location TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	recovery_instance TEXT,
	recovery_started_at INTEGER,
	redis_job_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_cars_status_created_at ON pending_cars(status, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_cars_recovery_instance ON pending_cars(recovery_instance);
`

type bufferedRecord struct {
	id        string
	car       carmodel.Car
	createdAt int64
}

// appendRequest/flushRequest/shutdownRequest are the run-loop's inbound
// events, grounded on the flush_manager.go markDirty/flushNow/shutdown
// channel trio.
type appendRequest struct {
	car    carmodel.Car
	result chan<- error
}

type flushRequest struct {
	result chan<- error
}

type shutdownRequest struct {
	result chan<- error
}

// Store is the durable fallback store. One background goroutine
// (run) owns the in-memory buffer and flush timer exclusively; the buffer's
// public methods (SaveCar, FlushPendingWrites, Close) communicate with it
// over channels so no suspension point is ever reached while holding a
// lock. The claim and mark methods in claim.go use the database handle
// directly.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	idGen  *carmodel.IDGenerator

	appendCh   chan appendRequest
	flushCh    chan flushRequest
	shutdownCh chan shutdownRequest

	wg sync.WaitGroup

	shuttingDown sync.Once
	closed       chan struct{}
}

// Open creates the parent directory if absent, opens the SQLite file with
// durable-sync PRAGMAs applied, creates the schema, and starts the buffer's
// owning goroutine.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "durable store path cannot be empty"}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("durablestore: creating parent directory: %w", err)
		}
	}

	// _txlock=immediate makes every sql.Tx begin with SQLite's BEGIN
	// IMMEDIATE, giving claimPending the RESERVED writer lock spec §4.3
	// requires so two concurrent claimers serialize rather than interleave.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("durablestore: opening database: %w", err)
	}
	// A single writer connection avoids "database is locked" races between
	// the buffer flush and the claim protocol; SQLite serializes writes
	// regardless, so this does not reduce throughput.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous = FULL",
		"PRAGMA cache_size = 10000",
		"PRAGMA journal_mode = WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("durablestore: applying %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("durablestore: creating schema: %w", err)
	}

	instance := cfg.InstanceID
	if instance == "" {
		instance = carmodel.NewInstanceID()
	}

	s := &Store{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		idGen:      carmodel.NewIDGenerator(instance),
		appendCh:   make(chan appendRequest, 256),
		flushCh:    make(chan flushRequest, 1),
		shutdownCh: make(chan shutdownRequest, 1),
		closed:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// SaveCar buffers car for batched append. See run() for the size/timer
// flush triggers. While shutdown is in progress, saves are silently
// dropped per spec §4.3's documented behavior (see DESIGN.md Open
// Question Decisions).
func (s *Store) SaveCar(ctx context.Context, car carmodel.Car) error {
	result := make(chan error, 1)
	select {
	case <-s.closed:
		return nil
	case s.appendCh <- appendRequest{car: car, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushPendingWrites forces the buffer to commit and cancels the debounce
// timer.
func (s *Store) FlushPendingWrites(ctx context.Context) error {
	result := make(chan error, 1)
	select {
	case <-s.closed:
		return nil
	case s.flushCh <- flushRequest{result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks shutdown, flushes the buffer, and closes the database handle.
func (s *Store) Close() error {
	var closeErr error
	s.shuttingDown.Do(func() {
		close(s.closed)
		result := make(chan error, 1)
		select {
		case s.shutdownCh <- shutdownRequest{result: result}:
			closeErr = <-result
		case <-time.After(10 * time.Second):
			closeErr = fmt.Errorf("durablestore: shutdown timed out")
		}
		s.wg.Wait()
		if err := s.db.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

// run is the buffer's single owning goroutine.
func (s *Store) run() {
	defer s.wg.Done()

	var (
		buffer []bufferedRecord
		timer  *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	timerFired := make(chan struct{}, 1)

	armTimer := func() {
		if timer != nil {
			return // already armed for this batch
		}
		timer = time.AfterFunc(s.cfg.FlushInterval, func() {
			select {
			case timerFired <- struct{}{}:
			default:
			}
		})
	}
	disarmTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		batch := buffer
		buffer = nil
		disarmTimer()

		if err := s.commitBatch(batch); err != nil {
			// Roll back already happened inside commitBatch; re-prepend
			// the batch so the next flush retries it, per spec §4.3.
			buffer = append(append([]bufferedRecord{}, batch...), buffer...)
			s.logger.Error("durable store batch commit failed, retaining for retry", "error", err, "batch_size", len(batch))
			return err
		}
		return nil
	}

	for {
		select {
		case req := <-s.appendCh:
			id := s.idGen.Next()
			buffer = append(buffer, bufferedRecord{
				id:        id,
				car:       req.car,
				createdAt: time.Now().UnixMilli(),
			})
			if len(buffer) >= s.cfg.BatchSize {
				err := flush()
				req.result <- err
			} else {
				armTimer()
				req.result <- nil
			}

		case <-timerFired:
			_ = flush()

		case req := <-s.flushCh:
			req.result <- flush()

		case req := <-s.shutdownCh:
			err := flush()
			req.result <- err
			return
		}
	}
}

// commitBatch commits one buffered batch inside a single transaction,
// assigning monotonically increasing created_at timestamps within the
// batch per spec §3.
func (s *Store) commitBatch(batch []bufferedRecord) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durablestore: begin batch tx: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_cars
			(id, normalized_make, normalized_model, year, price, location, created_at, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("durablestore: prepare insert: %w", err)
	}

	for i, rec := range batch {
		createdAt := rec.createdAt + int64(i)
		if _, err := stmt.ExecContext(ctx, rec.id, rec.car.NormalizedMake, rec.car.NormalizedModel,
			rec.car.Year, rec.car.Price, rec.car.Location, createdAt); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("durablestore: insert record %s: %w", rec.id, err)
		}
	}
	stmt.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("durablestore: commit batch: %w", err)
	}
	return nil
}
