package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresTicketStore keeps tickets in PostgreSQL. Upserts merge only the
// columns a patch sets, so concurrent updates of different fields do not
// overwrite each other.
type PostgresTicketStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresTicketStore(config DatabaseConfig, logger *zap.Logger) (*PostgresTicketStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := NewPostgresTicketStoreFromDB(db, logger)

	// Initialize database schema
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL ticket store",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))

	return store, nil
}

// NewPostgresTicketStoreFromDB wraps an already opened connection.
func NewPostgresTicketStoreFromDB(db *sql.DB, logger *zap.Logger) *PostgresTicketStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresTicketStore{db: db, logger: logger}
}

func (s *PostgresTicketStore) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// tagsExpr merges base with $8 and drops $9 under the row lock taken by
// ON CONFLICT, keeping first-seen order.
const tagsExpr = `ARRAY(
		SELECT t FROM unnest(%s || $8::text[]) WITH ORDINALITY AS u(t, i)
		WHERE NOT (t = ANY($9::text[]))
		GROUP BY t ORDER BY MIN(i))`

const ticketColumns = `session_id, is_active, priority, tags, escalated_to, user_id, user_name, closed_at, created_at, updated_at`

var upsertTicketQuery = `
	INSERT INTO tickets (session_id, is_active, priority, tags, escalated_to, user_id, user_name, closed_at)
	VALUES ($1, COALESCE($2, FALSE), COALESCE($3, 'low'),
	        ` + fmt.Sprintf(tagsExpr, `COALESCE($4::text[], '{}'::text[])`) + `,
	        COALESCE($5, ''), COALESCE($6, ''), COALESCE($7, ''), $10::timestamptz)
	ON CONFLICT (session_id) DO UPDATE SET
		is_active    = COALESCE($2, tickets.is_active),
		priority     = COALESCE($3, tickets.priority),
		tags         = ` + fmt.Sprintf(tagsExpr, `COALESCE($4::text[], tickets.tags)`) + `,
		escalated_to = COALESCE($5, tickets.escalated_to),
		user_id      = COALESCE($6, tickets.user_id),
		user_name    = COALESCE($7, tickets.user_name),
		closed_at    = CASE WHEN $11 THEN $10::timestamptz ELSE tickets.closed_at END,
		updated_at   = NOW()
	RETURNING ` + ticketColumns

func (s *PostgresTicketStore) UpsertTicket(ctx context.Context, sessionID string, patch models.TicketPatch) (*models.Ticket, error) {
	var isActive, priority, tags, escalatedTo, userID, userName, closedAt any
	if patch.IsActive != nil {
		isActive = *patch.IsActive
	}
	if patch.Priority != nil {
		priority = string(*patch.Priority)
	}
	if patch.SetTags {
		tags = pq.Array(nonNil(patch.Tags))
	}
	if patch.EscalatedTo != nil {
		escalatedTo = *patch.EscalatedTo
	}
	if patch.UserID != nil {
		userID = *patch.UserID
	}
	if patch.UserName != nil {
		userName = *patch.UserName
	}
	if patch.SetClosedAt && patch.ClosedAt != nil {
		closedAt = *patch.ClosedAt
	}

	row := s.db.QueryRowContext(ctx, upsertTicketQuery,
		sessionID, isActive, priority, tags, escalatedTo, userID, userName,
		pq.Array(nonNil(patch.AddTags)), pq.Array(nonNil(patch.RemoveTags)),
		closedAt, patch.SetClosedAt)

	ticket, err := scanTicket(row)
	if err != nil {
		return nil, fmt.Errorf("error upserting ticket: %w", err)
	}
	return ticket, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (s *PostgresTicketStore) GetTicket(ctx context.Context, sessionID string) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE session_id = $1`

	ticket, err := scanTicket(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying ticket: %w", err)
	}
	return ticket, nil
}

func (s *PostgresTicketStore) DeleteTicket(ctx context.Context, sessionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("error deleting ticket: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrTicketNotFound
	}

	return nil
}

func (s *PostgresTicketStore) Close() error {
	return s.db.Close()
}

func scanTicket(row *sql.Row) (*models.Ticket, error) {
	var (
		t        models.Ticket
		priority string
		closedAt sql.NullTime
	)
	err := row.Scan(
		&t.SessionID,
		&t.IsActive,
		&priority,
		pq.Array(&t.Tags),
		&t.EscalatedTo,
		&t.UserID,
		&t.UserName,
		&closedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	if closedAt.Valid {
		at := closedAt.Time
		t.ClosedAt = &at
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return &t, nil
}
