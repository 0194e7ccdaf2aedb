// Package redpanda provides the Kafka-compatible event stream for the
// training engine: administration events, audit entries, and assessment
// prompts flow through it via franz-go.
package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for the medication administration event stream.
const (
	TopicAdministrations   = "mar.administrations"
	TopicAudit             = "mar.audit"
	TopicAssessmentPrompts = "mar.assessment.prompts"
	TopicDeadLetter        = "mar.dead.letter"
)

// TopicConfig holds creation parameters for one topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns topic configurations sized for a training
// deployment. Replication is 1 because simulation clusters run a single
// broker.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	retained := map[string]*string{
		"retention.ms":     ptr("2592000000"), // 30 days, instructors review past sessions
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	shortLived := map[string]*string{
		"retention.ms":     ptr("86400000"), // 1 day
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}

	return []TopicConfig{
		{Name: TopicAdministrations, Partitions: 6, ReplicationFactor: 1, Configs: retained},
		{Name: TopicAudit, Partitions: 6, ReplicationFactor: 1, Configs: retained},
		{Name: TopicAssessmentPrompts, Partitions: 3, ReplicationFactor: 1, Configs: shortLived},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Configs: retained},
	}
}

// Admin provides administrative operations against the broker.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the specified topics, tolerating ones that exist.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics ensures every stream topic exists.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics lists topic names on the broker.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	return names, nil
}

// HealthCheck verifies broker connectivity.
func (a *Admin) HealthCheck(ctx context.Context) error {
	if _, err := a.client.ListTopics(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	return nil
}

// Close releases the admin client.
func (a *Admin) Close() {
	a.client.Close()
}
