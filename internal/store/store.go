// Package store provides storage backends for TriagePipe.
//
// It persists client profiles, the append-only conversation log, triage decisions, insights and
// follow-up tasks. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface used by the messaging handler, the API and the scheduler.
type Store interface {
	// SaveClient inserts or updates a profile. An empty ID is assigned a new UUID.
	SaveClient(ctx context.Context, p models.ClientProfile) (models.ClientProfile, error)
	GetClient(ctx context.Context, id string) (models.ClientProfile, error)
	// GetClientByPhone matches on the digits of the phone number only.
	GetClientByPhone(ctx context.Context, phone string) (models.ClientProfile, error)
	ListClients(ctx context.Context) ([]models.ClientProfile, error)

	AppendMessage(ctx context.Context, clientID string, m models.ConversationMessage) error
	// History returns the last limit messages in chronological order; limit <= 0 returns all.
	History(ctx context.Context, clientID string, limit int) ([]models.ConversationMessage, error)

	SaveDecision(ctx context.Context, d models.FinalDecision) (string, error)
	// ListDecisions returns decisions newest first.
	ListDecisions(ctx context.Context, clientID string) ([]models.FinalDecision, error)

	SaveInsights(ctx context.Context, insights []models.Insight) ([]models.Insight, error)
	ListInsights(ctx context.Context, clientID string) ([]models.Insight, error)

	SaveFollowUp(ctx context.Context, item models.ActionItem) (models.ActionItem, error)
	// DueFollowUps returns open follow-ups scheduled at or before now, earliest first.
	DueFollowUps(ctx context.Context, now time.Time) ([]models.ActionItem, error)
	MarkFollowUpDone(ctx context.Context, id string) error

	Close() error
}

// Opts holds configuration for the SQL backends.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key=value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching dsn, or an in-memory store for an empty dsn.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// PhoneKey reduces a phone number or messaging address to its digits.
func PhoneKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
