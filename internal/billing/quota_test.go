package billing

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurongate/gateway/internal/models"
)

func newMockQuota(t *testing.T) (*Quota, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewQuota(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func TestConsumeIsSingleStatement(t *testing.T) {
	quota, mock := newMockQuota(t)

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE subscriptions SET tokens_used = tokens_used + $1 WHERE id = $2`)).
		WithArgs(int64(150), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, quota.Consume(context.Background(), 9, 150))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemainingClampsAtZero(t *testing.T) {
	// tokensUsed may transiently exceed tokensAllocated after a request
	// that was admitted near the limit; remaining must clamp, never go
	// negative.
	sub := &models.Subscription{TokensAllocated: 1_000_000, TokensUsed: 999_900}
	assert.Equal(t, int64(100), sub.Remaining())

	sub.TokensUsed += 150
	assert.Equal(t, int64(1_000_050), sub.TokensUsed)
	assert.Equal(t, int64(0), sub.Remaining())
}

func TestActiveExcludesCanceled(t *testing.T) {
	quota, mock := newMockQuota(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT * FROM subscriptions WHERE user_id = $1 AND status <> $2`)).
		WithArgs("user-1", models.SubscriptionCanceled).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "provider_sub_id", "status", "tokens_allocated", "tokens_used", "period_start", "period_end", "canceled_at", "created_at"}).
			AddRow(int64(3), "user-1", "sub_1", models.SubscriptionActive, int64(5_000_000), int64(0), time.Now(), time.Now().AddDate(0, 1, 0), nil, time.Now()))

	sub, err := quota.Active(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriptionActive, sub.Status)

	// No non-canceled row means no access.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM subscriptions`)).
		WithArgs("user-2", models.SubscriptionCanceled).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	sub, err = quota.Active(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSumsAllocationOnReplay(t *testing.T) {
	quota, mock := newMockQuota(t)
	start, end := time.Now(), time.Now().AddDate(0, 1, 0)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO subscriptions`)).
		WithArgs("user-1", "sub_1", models.SubscriptionActive, int64(5_000_000), start, end).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, quota.Upsert(context.Background(), "user-1", "sub_1", models.SubscriptionActive, 5_000_000, start, end))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCarriesFreeTier(t *testing.T) {
	quota, mock := newMockQuota(t)
	start, end := time.Now(), time.Now().AddDate(0, 1, 0)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO subscriptions`)).
		WithArgs("user-1", "sub_trial", models.SubscriptionFree, int64(100_000), start, end).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, quota.Upsert(context.Background(), "user-1", "sub_trial", models.SubscriptionFree, 100_000, start, end))
	assert.NoError(t, mock.ExpectationsWereMet())
}
