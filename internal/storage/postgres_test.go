package storage

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/supportchat/internal/models"
)

var ticketRow = []string{
	"session_id", "is_active", "priority", "tags", "escalated_to", "user_id", "user_name", "closed_at", "created_at", "updated_at",
}

// pgArray matches a text[] argument by its wire form.
type pgArray string

func (a pgArray) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && s == string(a)
}

func TestPostgresTicketStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO tickets").
		WithArgs("s1", true, nil, nil, nil, "user@example.com", nil, pgArray("{}"), pgArray("{}"), nil, false).
		WillReturnRows(sqlmock.NewRows(ticketRow).
			AddRow("s1", true, "low", "{billing,refund}", "", "user@example.com", "", nil, now, now))

	store := NewPostgresTicketStoreFromDB(db, nil)
	ticket, err := store.UpsertTicket(context.Background(), "s1", models.TicketPatch{
		IsActive: models.Bool(true),
		UserID:   models.String("user@example.com"),
	})
	require.NoError(t, err)
	assert.True(t, ticket.IsActive)
	assert.Equal(t, models.PriorityLow, ticket.Priority)
	assert.Equal(t, []string{"billing", "refund"}, ticket.Tags)
	assert.Equal(t, now, ticket.CreatedAt)
	assert.Nil(t, ticket.ClosedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTicketStore_TagDeltasMergeInSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`tags\s+= ARRAY\(\s+SELECT t FROM unnest\(COALESCE\(\$4::text\[\], tickets.tags\) \|\| \$8::text\[\]\)`).
		WithArgs("s1", nil, nil, nil, nil, nil, nil, pgArray(`{"urgent"}`), pgArray(`{"stale"}`), nil, false).
		WillReturnRows(sqlmock.NewRows(ticketRow).
			AddRow("s1", false, "low", "{billing,urgent}", "", "", "", nil, now, now))

	store := NewPostgresTicketStoreFromDB(db, nil)
	ticket, err := store.UpsertTicket(context.Background(), "s1", models.TicketPatch{
		AddTags:    []string{"urgent"},
		RemoveTags: []string{"stale"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "urgent"}, ticket.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTicketStore_ClosedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	closed := now.Add(time.Hour)
	mock.ExpectQuery("INSERT INTO tickets").
		WithArgs("s1", false, nil, nil, nil, nil, nil, pgArray("{}"), pgArray("{}"), closed, true).
		WillReturnRows(sqlmock.NewRows(ticketRow).
			AddRow("s1", false, "low", "{}", "a1", "", "", closed, now, now))
	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(ticketRow).
			AddRow("s1", true, "low", "{}", "a1", "", "", nil, now, now))

	store := NewPostgresTicketStoreFromDB(db, nil)
	ticket, err := store.UpsertTicket(context.Background(), "s1", models.TicketPatch{
		IsActive:    models.Bool(false),
		ClosedAt:    &closed,
		SetClosedAt: true,
	})
	require.NoError(t, err)
	require.NotNil(t, ticket.ClosedAt)
	assert.Equal(t, closed, *ticket.ClosedAt)

	reopened, err := store.GetTicket(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, reopened.ClosedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTicketStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM tickets").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(ticketRow))

	store := NewPostgresTicketStoreFromDB(db, nil)
	_, err = store.GetTicket(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTicketNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTicketStore_DeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM tickets").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM tickets").
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresTicketStoreFromDB(db, nil)
	assert.ErrorIs(t, store.DeleteTicket(context.Background(), "missing"), ErrTicketNotFound)
	assert.NoError(t, store.DeleteTicket(context.Background(), "s1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
