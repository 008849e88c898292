package transport

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lib/pq"

	"radioguard/internal/platform/logger"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 5 * time.Second
	defaultMaxConnErrors = 3
)

const insertLogsQuery = `
	INSERT INTO system_logs (timestamp, level, message, metadata, correlation_id, job_id)
	SELECT ts, lvl, msg, meta, NULLIF(cid, ''), NULLIF(jid, '')
	FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::jsonb[], $5::text[], $6::text[])
		AS u(ts, lvl, msg, meta, cid, jid)
`

// CreateLogsTable is the schema the Postgres transport writes to.
const CreateLogsTable = `
	CREATE TABLE IF NOT EXISTS system_logs (
		id             BIGSERIAL PRIMARY KEY,
		timestamp      TIMESTAMPTZ NOT NULL,
		level          TEXT NOT NULL,
		message        TEXT NOT NULL,
		metadata       JSONB NOT NULL DEFAULT '{}',
		correlation_id TEXT,
		job_id         TEXT
	);
	CREATE INDEX IF NOT EXISTS system_logs_correlation_id_idx ON system_logs (correlation_id);
	CREATE INDEX IF NOT EXISTS system_logs_timestamp_idx ON system_logs (timestamp DESC);
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresConfig tunes batching. Zero values take the defaults.
type PostgresConfig struct {
	MinLevel      logger.Level
	BatchSize     int
	FlushInterval time.Duration
	// MaxConnErrors consecutive connectivity failures disable the transport.
	MaxConnErrors int
	// Fallback receives the one-time notice that the transport disabled itself.
	Fallback io.Writer
}

// Postgres buffers entries and inserts them into system_logs in batches.
type Postgres struct {
	db  execer
	cfg PostgresConfig

	mu     sync.Mutex
	buffer []logger.Entry

	writeMu    sync.Mutex
	connErrors int
	disabled   atomic.Bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewPostgres starts the periodic flush. Call Close to stop it; the *sql.DB
// stays owned by the caller.
func NewPostgres(db *sql.DB, cfg PostgresConfig) *Postgres {
	return newPostgres(db, cfg)
}

func newPostgres(db execer, cfg PostgresConfig) *Postgres {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxConnErrors <= 0 {
		cfg.MaxConnErrors = defaultMaxConnErrors
	}
	if cfg.Fallback == nil {
		cfg.Fallback = os.Stderr
	}
	p := &Postgres{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Postgres) Name() string           { return "postgres" }
func (p *Postgres) Enabled() bool          { return !p.disabled.Load() }
func (p *Postgres) MinLevel() logger.Level { return p.cfg.MinLevel }

// Log buffers e and writes the batch once it is full.
func (p *Postgres) Log(ctx context.Context, e logger.Entry) error {
	if p.disabled.Load() {
		return nil
	}
	p.mu.Lock()
	p.buffer = append(p.buffer, e)
	full := len(p.buffer) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered. On failure the batch is dropped.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()
	if len(batch) == 0 || p.disabled.Load() {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	err := p.insert(ctx, batch)
	if err == nil {
		p.connErrors = 0
		return nil
	}
	if isConnError(err) {
		p.connErrors++
		if p.connErrors >= p.cfg.MaxConnErrors && p.disabled.CompareAndSwap(false, true) {
			_, _ = fmt.Fprintf(p.cfg.Fallback,
				"%s [logger] postgres: disabled after %d consecutive connection errors: %v\n",
				time.Now().UTC().Format(time.RFC3339), p.connErrors, err)
		}
	}
	return fmt.Errorf("insert %d log entries: %w", len(batch), err)
}

func (p *Postgres) insert(ctx context.Context, batch []logger.Entry) error {
	n := len(batch)
	timestamps := make([]string, n)
	levels := make([]string, n)
	messages := make([]string, n)
	metadata := make([]string, n)
	correlationIDs := make([]string, n)
	jobIDs := make([]string, n)

	for i, e := range batch {
		timestamps[i] = e.Timestamp.UTC().Format(time.RFC3339Nano)
		levels[i] = e.Level.String()
		messages[i] = e.Message
		meta, err := json.Marshal(e.Fields)
		if err != nil || e.Fields == nil {
			meta = []byte("{}")
		}
		metadata[i] = string(meta)
		correlationIDs[i] = e.CorrelationID
		jobIDs[i] = e.JobID
	}

	_, err := p.db.ExecContext(ctx, insertLogsQuery,
		pq.Array(timestamps),
		pq.Array(levels),
		pq.Array(messages),
		pq.Array(metadata),
		pq.Array(correlationIDs),
		pq.Array(jobIDs),
	)
	return err
}

// Close stops the periodic flush and writes what is left.
func (p *Postgres) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		ctx, cancel := context.WithTimeout(context.Background(), defaultFlushInterval)
		defer cancel()
		err = p.Flush(ctx)
	})
	return err
}

func (p *Postgres) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushInterval)
			if err := p.Flush(ctx); err != nil && !p.disabled.Load() {
				_, _ = fmt.Fprintf(p.cfg.Fallback, "%s [logger] postgres: %v\n",
					time.Now().UTC().Format(time.RFC3339), err)
			}
			cancel()
		}
	}
}

// isConnError reports failures to reach the database, as opposed to failures
// of the statement itself.
func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception; 57P0x: server shutting down.
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}
	return false
}
