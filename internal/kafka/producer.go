package kafka

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/ledgerguard/compliance-engine/internal/alerts"
	"github.com/ledgerguard/compliance-engine/internal/config"
	"github.com/ledgerguard/compliance-engine/internal/database"
)

// EvaluationEvent is the payload published after a committed evaluation.
type EvaluationEvent struct {
	EvaluationResultID string    `json:"evaluation_result_id"`
	OrganizationID     string    `json:"organization_id"`
	TransactionID      string    `json:"transaction_id"`
	AccountID          string    `json:"account_id"`
	Decision           string    `json:"decision"`
	EvaluatedAt        time.Time `json:"evaluated_at"`
}

// AlertEvent is the payload published when an alert is created.
type AlertEvent struct {
	AlertID        string    `json:"alert_id"`
	OrganizationID string    `json:"organization_id"`
	AccountID      string    `json:"account_id"`
	RuleVersionID  string    `json:"rule_version_id"`
	Severity       string    `json:"severity"`
	Category       string    `json:"category"`
	DedupKey       string    `json:"dedup_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Producer publishes evaluation and alert events. Publication is
// post-commit and best-effort: failures are logged and dropped.
type Producer struct {
	producer sarama.SyncProducer
	topics   config.TopicsConfig
	logger   *slog.Logger
}

// NewProducer connects a synchronous producer to the configured brokers.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, err
	}
	return &Producer{producer: producer, topics: cfg.Topics, logger: logger}, nil
}

// EvaluationCompleted implements the post-commit notifier.
func (p *Producer) EvaluationCompleted(result *database.EvaluationResult, transaction *database.Transaction, outcome *alerts.Outcome) {
	p.publish(p.topics.EvaluationCompleted, result.OrganizationID, EvaluationEvent{
		EvaluationResultID: result.ID,
		OrganizationID:     result.OrganizationID,
		TransactionID:      transaction.ID,
		AccountID:          transaction.AccountID,
		Decision:           result.Decision,
		EvaluatedAt:        result.EvaluatedAt,
	})
	for _, alert := range outcome.Created {
		p.publish(p.topics.AlertRaised, alert.OrganizationID, AlertEvent{
			AlertID:        alert.ID,
			OrganizationID: alert.OrganizationID,
			AccountID:      alert.AccountID,
			RuleVersionID:  alert.RuleVersionID,
			Severity:       alert.Severity,
			Category:       alert.Category,
			DedupKey:       alert.DedupKey,
			CreatedAt:      alert.CreatedAt,
		})
	}
}

// publish sends one event, keyed by organization so per-org ordering is
// preserved.
func (p *Producer) publish(topic, key string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode event", "topic", topic, "error", err)
		return
	}
	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := p.producer.SendMessage(message); err != nil {
		p.logger.Error("Failed to publish event", "topic", topic, "error", err)
	}
}

// Close shuts the producer down.
func (p *Producer) Close() error {
	return p.producer.Close()
}
