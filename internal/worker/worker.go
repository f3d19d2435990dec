// Package worker consumes the retry and maintenance workloads that must not
// run inside a request: failed treasury transfers and usage-log retention.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/neurongate/gateway/internal/billing"
	"github.com/neurongate/gateway/internal/config"
	"github.com/neurongate/gateway/internal/models"
	"github.com/neurongate/gateway/internal/wallet"
	"github.com/neurongate/gateway/pkg/database"
)

// TransferRetryJob is the wire shape on the transfer-retries topic. Only
// the row id travels; the worker reloads the row so a stale message can
// never resurrect an already-successful transfer.
type TransferRetryJob struct {
	TransferID int64 `json:"transfer_id"`
}

// retentionWindow is how long usage logs are kept before the sweep removes
// them.
const retentionWindow = 90 * 24 * time.Hour

type Worker struct {
	cfg       *config.Config
	db        *database.Clients
	consumer  sarama.ConsumerGroup
	custody   *wallet.Custody
	transfers *billing.Transfers
	ready     chan bool
}

func NewWorker(cfg *config.Config, db *database.Clients, consumer sarama.ConsumerGroup, custody *wallet.Custody) *Worker {
	slog.Info("Initializing new Worker")
	return &Worker{
		cfg:       cfg,
		db:        db,
		consumer:  consumer,
		custody:   custody,
		transfers: billing.NewTransfers(db.DB),
		ready:     make(chan bool),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	topics := []string{w.cfg.Kafka.TransferTopic}
	slog.Info("Starting worker", "topics", topics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for err := range w.consumer.Errors() {
			slog.Error("Kafka consumer error received", "error", err)
		}
	}()

	go w.retentionLoop(ctx)

	go func() {
		for {
			if err := w.consumer.Consume(ctx, topics, w); err != nil {
				slog.Error("Error from consumer.Consume", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
			w.ready = make(chan bool)
		}
	}()

	<-w.ready
	slog.Info("Worker setup complete; consumer ready")

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("Context cancelled; shutting down worker")
	}

	slog.Info("Worker shutting down gracefully")
	return nil
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (w *Worker) Setup(sarama.ConsumerGroupSession) error {
	close(w.ready)
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (w *Worker) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (w *Worker) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := w.processRetry(session.Context(), message); err != nil {
			slog.Error("Failed to process transfer retry", "error", err)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// processRetry reloads the transfer and re-attempts the treasury send. Rows
// no longer in the failed state are skipped: success already happened, or
// another worker holds the row.
func (w *Worker) processRetry(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var job TransferRetryJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		slog.Error("Malformed transfer retry job, dropping", "offset", msg.Offset, "error", err)
		return nil
	}

	transfer, err := w.transfers.Get(ctx, job.TransferID)
	if err != nil {
		return err
	}
	if transfer.Status != models.TransferFailed {
		slog.Info("Skipping transfer retry, row not failed",
			"transfer_id", transfer.ID, "status", transfer.Status)
		return nil
	}

	txHash, err := w.custody.SendTokens(ctx,
		w.cfg.Chain.TreasuryEncryptedSeed, w.cfg.Chain.TreasuryAddress,
		transfer.ToAddress, big.NewInt(transfer.Amount))
	if err != nil {
		slog.Warn("Transfer retry failed", "transfer_id", transfer.ID, "error", err)
		return w.transfers.MarkFailed(ctx, transfer.ID, err.Error())
	}

	slog.Info("Transfer retry succeeded", "transfer_id", transfer.ID, "tx_hash", txHash)
	return w.transfers.MarkSuccess(ctx, transfer.ID, txHash)
}

// retentionLoop deletes usage logs older than the retention window once a
// day. Usage rows are accounting evidence, not billing state; the dollar
// ledger keeps its transactions forever.
func (w *Worker) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.db.DB.ExecContext(ctx,
				`DELETE FROM usage_logs WHERE created_at < $1`,
				time.Now().Add(-retentionWindow),
			)
			if err != nil {
				slog.Error("Usage log retention sweep failed", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				slog.Info("Usage log retention sweep complete", "deleted", n)
			}
		}
	}
}
