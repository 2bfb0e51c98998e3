package repository

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/msg-engine/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

func TestTenantsGetByAPIKey(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewTenantsRepository(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM tenants WHERE api_key = \?`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "api_key", "plan", "status", "rate_limit_rps", "created_at", "updated_at"}).
			AddRow(7, "Glow Spa", "k1", "pro", "active", nil, now, now))
	mock.ExpectQuery(`SELECT (.+) FROM tenants WHERE api_key = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	tn, err := repo.GetByAPIKey(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, tn)
	assert.Equal(t, int64(7), tn.ID)
	assert.Equal(t, "pro", tn.Plan)
	assert.Nil(t, tn.RateLimitRPS)

	tn, err = repo.GetByAPIKey(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlanLimitUnlimited(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewPlanLimitsRepository(db)

	mock.ExpectQuery(`FROM plan_limits pl JOIN tenants t`).
		WithArgs(int64(7), "messages_sms").
		WillReturnRows(sqlmock.NewRows([]string{"plan", "feature", "msg_limit", "enabled"}).
			AddRow("pro", "messages_sms", nil, true))

	pl, err := repo.GetPlanLimit(context.Background(), 7, "messages_sms")
	require.NoError(t, err)
	require.NotNil(t, pl)
	assert.Nil(t, pl.Limit)
	assert.True(t, pl.Enabled)
}

var customerCols = []string{
	"id", "tenant_id", "tenant_name", "first_name", "last_name", "phone", "email",
	"chat_a_user_id", "chat_b_user_id", "gender", "tags", "visit_count", "last_visit_at",
	"booking_count", "last_booking_at", "lifetime_spend",
}

func TestCustomersListPageWithIDs(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewCustomersRepository(db)

	mock.ExpectQuery(`WHERE c.tenant_id = \? AND c.id > \? AND c.id IN \(\?, \?\) ORDER BY c.id ASC LIMIT \?`).
		WithArgs(int64(7), int64(0), int64(3), int64(9), 100).
		WillReturnRows(sqlmock.NewRows(customerCols).
			AddRow(3, 7, "Glow Spa", "Jane", "Doe", "+14155550100", "jane@example.com", "", "", "f", []byte(`["vip"]`), 4, nil, 1, nil, 120.5).
			AddRow(9, 7, "Glow Spa", "Bob", "", "", "bob@example.com", "U9", "", "", nil, 0, nil, 0, nil, 0))

	rows, err := repo.ListPage(context.Background(), 7, 0, 100, []int64{3, 9})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"vip"}, rows[0].Tags)
	assert.Nil(t, rows[1].Tags)
	assert.Equal(t, "U9", rows[1].Address(model.ChannelChatA))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomersSelectToleratesMissingContacts(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewCustomersRepository(db)

	mock.ExpectQuery(`COALESCE\(c.phone, ''\) AS phone`).
		WithArgs(int64(7), int64(0), 100).
		WillReturnRows(sqlmock.NewRows(customerCols).
			AddRow(4, 7, "Glow Spa", "Lena", "Fischer", nil, "lena@example.com", "lena.f", nil, nil, nil, 0, nil, 0, nil, 0))

	rows, err := repo.ListPage(context.Background(), 7, 0, 100, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Address(model.ChannelSMS))
	assert.Equal(t, "lena@example.com", rows[0].Address(model.ChannelEmail))
	assert.Equal(t, "", rows[0].Address(model.ChannelChatB))
	assert.NotContains(t, model.NewRecipient(rows[0]).Addresses, model.ChannelSMS)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomersFindByAddressEmailIsCaseInsensitive(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewCustomersRepository(db)

	mock.ExpectQuery(`LOWER\(c.email\) = LOWER\(\?\)`).
		WithArgs(int64(7), "Jane@Example.com").
		WillReturnRows(sqlmock.NewRows(customerCols).
			AddRow(3, 7, "Glow Spa", "Jane", "Doe", nil, "jane@example.com", nil, nil, nil, nil, 0, nil, 0, nil, 0))

	c, err := repo.FindByAddress(context.Background(), 7, model.ChannelEmail, "Jane@Example.com")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(3), c.ID)

	c, err = repo.FindByAddress(context.Background(), 7, model.ChannelSMS, "  ")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestChannelConfigGetDecodesCredentials(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewChannelConfigsRepository(db)
	now := time.Now()

	mock.ExpectQuery(`FROM channel_configs WHERE tenant_id = \? AND channel = \?`).
		WithArgs(int64(7), model.ChannelChatB).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "channel", "provider", "credentials", "connection_status", "webhook_secret", "last_test_at", "created_at", "updated_at"}).
			AddRow(1, 7, "chat_b", "messenger", []byte(`{"accessToken":"t","pageId":"P1"}`), "connected", nil, nil, now, now))

	cfg, err := repo.Get(context.Background(), 7, model.ChannelChatB)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "P1", cfg.Get("pageId"))
	assert.Equal(t, model.ConnectionConnected, cfg.ConnectionStatus)
}

func TestConversationGetOrCreate(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewConversationsRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT IGNORE INTO conversations`).
		WithArgs("c-new", int64(7), int64(3), model.ChannelSMS).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM conversations WHERE tenant_id = \? AND customer_id = \? AND channel = \?`).
		WithArgs(int64(7), int64(3), model.ChannelSMS).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "customer_id", "channel", "archived", "unread_count", "last_message_at", "created_at", "updated_at"}).
			AddRow("c-existing", 7, 3, "sms", true, 2, now, now, now))
	mock.ExpectCommit()

	c, err := repo.GetOrCreate(context.Background(), nil, "c-new", 7, 3, model.ChannelSMS)
	require.NoError(t, err)
	assert.Equal(t, "c-existing", c.ID, "the existing row wins")
	assert.True(t, c.Archived)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMessagesUpdateStatusIsCAS(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewMessagesRepository(db)

	mock.ExpectExec(`UPDATE messages SET status = \?`).
		WithArgs(model.StatusDelivered, "m1", model.StatusSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE messages SET status = \?`).
		WithArgs(model.StatusDelivered, "m1", model.StatusSent).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateStatus(context.Background(), "m1", model.StatusSent, model.StatusDelivered)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(context.Background(), "m1", model.StatusSent, model.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBulkJobTransition(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewBulkJobsRepository(db)

	mock.ExpectExec(`UPDATE bulk_jobs SET status = \?, updated_at = NOW\(\), started_at = COALESCE\(started_at, NOW\(\)\) WHERE id = \? AND status IN \(\?, \?\)`).
		WithArgs(model.JobProcessing, "j1", model.JobDraft, model.JobScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Transition(context.Background(), "j1", []model.JobStatus{model.JobDraft, model.JobScheduled}, model.JobProcessing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkJobFinishCompletedRequiresNoCancel(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewBulkJobsRepository(db)

	mock.ExpectExec(`WHERE id = \? AND status = 'processing' AND cancel_requested = 0`).
		WithArgs(model.JobCompleted, nil, "j1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Finish(context.Background(), "j1", model.JobCompleted, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkJobRecordBatch(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewBulkJobsRepository(db)
	now := time.Now()
	reason := model.ReasonQuotaExceeded

	outcomes := []model.RecipientOutcome{
		{JobID: "j1", CustomerID: 1, Channel: model.ChannelSMS, Status: model.OutcomeSent, CreatedAt: now},
		{JobID: "j1", CustomerID: 2, Channel: model.ChannelSMS, Status: model.OutcomeFailed, Reason: &reason, CreatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT IGNORE INTO bulk_job_recipients`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE bulk_jobs SET sent = sent \+ \?`).
		WithArgs(1, 0, 1, 0, 0, "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.RecordBatch(context.Background(), "j1", outcomes, model.JobCounters{Sent: 1, Failed: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkJobGetDecodesJSON(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewBulkJobsRepository(db)
	now := time.Now()

	cols := []string{"id", "tenant_id", "name", "channels", "recipient_filter", "message_content", "status", "failure_reason",
		"cancel_requested", "scheduled_at", "targeted", "sent", "delivered", "failed", "cancelled", "skipped",
		"created_by", "started_at", "completed_at", "created_at", "updated_at"}
	vals := []driver.Value{"j1", 7, "Spring promo", []byte(`["sms","email"]`), []byte(`{"min_visits":3,"tags":["vip"]}`),
		[]byte(`{"template":"Hi {{ first_name }}"}`), "completed", nil, false, nil, 5, 4, 2, 1, 0, 1,
		"admin", now, now, now, now}

	mock.ExpectQuery(`FROM bulk_jobs WHERE id = \?`).WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(vals...))

	j, err := repo.Get(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, []model.Channel{model.ChannelSMS, model.ChannelEmail}, j.Channels)
	require.NotNil(t, j.Filter.MinVisits)
	assert.Equal(t, 3, *j.Filter.MinVisits)
	assert.Equal(t, "Hi {{ first_name }}", j.Content.Template)
	assert.Equal(t, 5, j.Targeted)
	assert.Equal(t, 4, j.Sent)
}

func TestOutboxInsertJobEnvelope(t *testing.T) {
	db, mock := setupMock(t)
	repo := NewOutboxRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(AggregateBulkJob, "j1", "bulk.jobs", []byte(`{"job_id":"j1","tenant_id":7,"lease_token":"tok"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.InsertJobEnvelope(context.Background(), nil, "bulk.jobs", model.JobEnvelope{JobID: "j1", TenantID: 7, LeaseToken: "tok"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
