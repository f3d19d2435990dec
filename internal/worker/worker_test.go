package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurongate/gateway/internal/chain"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/vault"
	"github.com/neurongate/gateway/internal/wallet"
	"github.com/neurongate/gateway/pkg/database"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

type fakeKeys struct{}

func xor5a(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ 0x5a
	}
	return out
}

func (fakeKeys) GenerateDataKey(_ context.Context) ([]byte, []byte, error) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	return key, xor5a(key), nil
}

func (fakeKeys) DecryptDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return xor5a(wrapped), nil
}

func transferColumns() []string {
	return []string{"id", "user_id", "to_address", "amount", "status", "tx_hash", "error", "created_at", "updated_at"}
}

// startChainNode serves the balance and broadcast endpoints a retry needs.
func startChainNode(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cosmos/bank/v1beta1/balances/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"balance": map[string]string{"denom": "ungt", "amount": "1000000"},
		})
	})
	mux.HandleFunc("/v1/tx/bank-send", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tx_hash": "ABC123"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupWorker(t *testing.T, chainURL string) (*Worker, sqlmock.Sqlmock, string) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")

	seedVault := vault.New(fakeKeys{})
	sealed, err := seedVault.Encrypt(context.Background(), vault.NewSecret([]byte(testMnemonic)))
	require.NoError(t, err)
	treasuryAddr, err := wallet.DeriveAddress(testMnemonic, "ng")
	require.NoError(t, err)

	cfg := &config.Config{
		Kafka: config.KafkaConfig{TransferTopic: "transfer-retries", Group: "gateway-workers"},
		Chain: config.ChainConfig{
			AddressPrefix:         "ng",
			Denom:                 "ungt",
			TreasuryAddress:       treasuryAddr,
			TreasuryEncryptedSeed: sealed,
		},
	}

	custody := wallet.NewCustody(seedVault, chain.NewClient(chainURL), "ng", "ungt")
	w := NewWorker(cfg, &database.Clients{DB: db}, nil, custody)
	return w, mock, treasuryAddr
}

func TestProcessRetryDropsMalformedJob(t *testing.T) {
	w, mock, _ := setupWorker(t, "")

	err := w.processRetry(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
	assert.NoError(t, err, "garbage on the topic is dropped, not retried forever")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRetrySkipsSettledTransfer(t *testing.T) {
	w, mock, _ := setupWorker(t, "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM token_transfers WHERE id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transferColumns()).
			AddRow(int64(5), "user-1", "ng1dest", int64(1000), models.TransferSuccess, "DEADBEEF", nil, time.Now(), time.Now()))

	payload, _ := json.Marshal(TransferRetryJob{TransferID: 5})
	err := w.processRetry(context.Background(), &sarama.ConsumerMessage{Value: payload})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet(), "a settled transfer is never re-broadcast")
}

func TestProcessRetryRebroadcastsFailedTransfer(t *testing.T) {
	node := startChainNode(t)
	w, mock, _ := setupWorker(t, node.URL)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM token_transfers WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(transferColumns()).
			AddRow(int64(9), "user-1", "ng1dest", int64(1000), models.TransferFailed, nil, "node unreachable", time.Now(), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE token_transfers SET status = $2, tx_hash = $3")).
		WithArgs(int64(9), models.TransferSuccess, "ABC123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload, _ := json.Marshal(TransferRetryJob{TransferID: 9})
	err := w.processRetry(context.Background(), &sarama.ConsumerMessage{Value: payload})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessRetryMarksFailureAgain(t *testing.T) {
	// A chain that rejects the broadcast leaves the row failed with the new
	// cause recorded.
	mux := http.NewServeMux()
	mux.HandleFunc("/cosmos/bank/v1beta1/balances/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"balance": map[string]string{"denom": "ungt", "amount": "1000000"},
		})
	})
	mux.HandleFunc("/v1/tx/bank-send", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 5, "raw_log": "out of gas"})
	})
	node := httptest.NewServer(mux)
	t.Cleanup(node.Close)

	w, mock, _ := setupWorker(t, node.URL)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM token_transfers WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(transferColumns()).
			AddRow(int64(9), "user-1", "ng1dest", int64(1000), models.TransferFailed, nil, "node unreachable", time.Now(), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE token_transfers SET status = $2, error = $3")).
		WithArgs(int64(9), models.TransferFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload, _ := json.Marshal(TransferRetryJob{TransferID: 9})
	err := w.processRetry(context.Background(), &sarama.ConsumerMessage{Value: payload})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
