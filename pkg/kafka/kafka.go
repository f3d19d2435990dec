// Package kafka builds the broker clients used for usage fan-out and the
// transfer-retry queue.
package kafka

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

const (
	connectAttempts = 10
	connectBackoff  = 3 * time.Second
)

// waitForBrokers blocks until the cluster answers a metadata request, so a
// gateway started alongside the broker does not crash-loop during boot.
func waitForBrokers(brokers []string) error {
	for i := 0; i < connectAttempts; i++ {
		config := sarama.NewConfig()
		config.Net.DialTimeout = 1 * time.Second
		client, err := sarama.NewClient(brokers, config)
		if err == nil {
			client.Close()
			return nil
		}
		slog.Info("Waiting for Kafka to be ready...", "attempt", i+1)
		time.Sleep(connectBackoff)
	}
	return fmt.Errorf("kafka not available after %d attempts", connectAttempts)
}

// NewProducer returns a synchronous producer. Full acks: usage events feed
// billing reconciliation and must not vanish on a leader failover.
func NewProducer(broker string, retryMax int, retryBackoff time.Duration) (sarama.SyncProducer, error) {
	brokers := []string{broker}
	if err := waitForBrokers(brokers); err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = retryMax
	config.Producer.Retry.Backoff = retryBackoff

	return sarama.NewSyncProducer(brokers, config)
}

// NewConsumer returns a consumer group starting from the oldest offset, so
// retry jobs queued while the worker was down are not skipped.
func NewConsumer(broker, group string) (sarama.ConsumerGroup, error) {
	brokers := []string{broker}
	if err := waitForBrokers(brokers); err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	return sarama.NewConsumerGroup(brokers, group, config)
}
