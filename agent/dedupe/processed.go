package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// PostgresConfig configures the durable processed-message log.
type PostgresConfig struct {
	DSN string `envconfig:"DSN" split_words:"true" required:"true"`
}

type processedMessage struct {
	bun.BaseModel `bun:"table:processed_messages"`

	ID          string    `bun:"id,pk"`
	ProcessedAt time.Time `bun:"processed_at,notnull,default:current_timestamp"`
}

// PostgresLog is a ProcessedLog backed by Postgres, so at-most-once
// inbound handling survives restarts.
type PostgresLog struct {
	db *bun.DB
}

var _ contractx.ProcessedLog = (*PostgresLog)(nil)

func NewPostgresLog(cfg PostgresConfig) *PostgresLog {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	return &PostgresLog{db: bun.NewDB(sqldb, pgdialect.New())}
}

// Init creates the backing table when missing.
func (l *PostgresLog) Init(ctx context.Context) error {
	_, err := l.db.NewCreateTable().
		Model((*processedMessage)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create processed_messages table: %w", err)
	}
	return nil
}

func (l *PostgresLog) Seen(ctx context.Context, id string) (bool, error) {
	exists, err := l.db.NewSelect().
		Model((*processedMessage)(nil)).
		Where("id = ?", id).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("processed log lookup: %w", err)
	}
	return exists, nil
}

func (l *PostgresLog) Mark(ctx context.Context, id string) error {
	_, err := l.db.NewInsert().
		Model(&processedMessage{ID: id, ProcessedAt: time.Now()}).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("processed log insert: %w", err)
	}
	return nil
}

func (l *PostgresLog) Close() error {
	return l.db.Close()
}

// MemoryLog is an in-process ProcessedLog for tests and single-node
// runs without Postgres.
type MemoryLog struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

var _ contractx.ProcessedLog = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ids: make(map[string]struct{})}
}

func (l *MemoryLog) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok, nil
}

func (l *MemoryLog) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[id] = struct{}{}
	return nil
}
