package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/teamchat/internal/connection"
)

// Table is the destination table for journaled envelopes.
const Table = "realtime_events"

// Schema creates the journal table when it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_events (
	id          BIGSERIAL PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	event_type  TEXT NOT NULL,
	channel_id  TEXT,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS realtime_events_channel_idx ON realtime_events (channel_id, received_at);
`

var columns = []string{"received_at", "event_type", "channel_id", "payload"}

// Copier is the subset of pgxpool.Pool used to write batches.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Execer runs schema statements.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Source is anything envelopes can be subscribed on.
type Source interface {
	On(eventType string, h connection.Handler) *connection.Subscription
}

// Config holds journal batching settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // Rows held while the database is slow; zero means 4x BatchSize
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Metrics contains journal statistics.
type Metrics struct {
	Recorded int64 // Rows accepted into the batch
	Inserted int64 // Rows copied to the database
	Dropped  int64 // Rows discarded because the batch was full
	Flushes  int64
	Errors   int64
}

type row struct {
	ReceivedAt time.Time
	EventType  string
	ChannelID  *string
	Payload    []byte
}

// Journal batches inbound envelopes into realtime_events.
type Journal struct {
	cfg    Config
	db     Copier
	logger *slog.Logger

	batch   []row
	batchMu sync.Mutex
	flushCh chan struct{}

	// Serializes flushes so rows land in arrival order.
	flushMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Journal writing through db.
func New(cfg Config, db Copier, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = cfg.BatchSize * 4
	}
	return &Journal{
		cfg:     cfg,
		db:      db,
		logger:  logger.With("component", "journal"),
		batch:   make([]row, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// EnsureSchema creates the journal table.
func EnsureSchema(ctx context.Context, db Execer) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

// Register subscribes the journal to every inbound envelope type on src and
// returns a function that removes those subscriptions.
func (j *Journal) Register(src Source) func() {
	subs := make([]*connection.Subscription, 0, len(connection.InboundTypes))
	for _, t := range connection.InboundTypes {
		subs = append(subs, src.On(t, j.Record))
	}
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

// Record appends env to the pending batch. It never blocks on the database.
func (j *Journal) Record(env connection.Envelope) error {
	r := row{
		ReceivedAt: env.ReceivedAt,
		EventType:  env.Type,
		ChannelID:  channelID(env),
		Payload:    env.Raw,
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	if !json.Valid(r.Payload) {
		r.Payload, _ = json.Marshal(map[string]any{"type": env.Type})
	}

	j.batchMu.Lock()
	if len(j.batch) >= j.cfg.MaxPending {
		j.metrics.Dropped++
		j.batchMu.Unlock()
		return nil
	}
	j.batch = append(j.batch, r)
	j.metrics.Recorded++
	full := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if full {
		select {
		case j.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start begins the background flusher.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flusher and writes whatever is still pending using ctx.
func (j *Journal) Stop(ctx context.Context) error {
	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
		return ctx.Err()
	}

	j.flush(ctx)
	j.logger.Info("journal stopped")
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

// Pending returns the number of rows not yet flushed.
func (j *Journal) Pending() int {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return len(j.batch)
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.flush(j.ctx)
		case <-j.flushCh:
			j.flush(j.ctx)
		}
	}
}

// flush copies the current batch to the database.
func (j *Journal) flush(ctx context.Context) {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}
	batch := j.batch
	j.batch = make([]row, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()
	n, err := j.db.CopyFrom(ctx, pgx.Identifier{Table}, columns, pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		r := batch[i]
		return []any{r.ReceivedAt, r.EventType, r.ChannelID, r.Payload}, nil
	}))
	if err != nil {
		j.logger.Error("copy into journal failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.metrics.Errors++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Inserted += n
	j.metrics.Flushes++
	j.batchMu.Unlock()

	j.logger.Debug("flushed journal", "count", n, "duration", time.Since(start))
}

// channelID finds the channel an envelope refers to, looking at the top
// level first and then inside data. Envelopes without one yield nil.
func channelID(env connection.Envelope) *string {
	var top struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(env.Raw, &top); err == nil && top.ChannelID != "" {
		return &top.ChannelID
	}

	var data struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := env.DecodeData(&data); err != nil {
		return nil
	}
	if data.ChannelID != "" {
		return &data.ChannelID
	}
	if env.Type == connection.TypeChannelCreated && data.ID != "" {
		return &data.ID
	}
	return nil
}
