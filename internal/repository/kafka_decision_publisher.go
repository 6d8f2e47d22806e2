package repository

import (
	"context"

	"StratSplit/internal/domain/models"
	"StratSplit/internal/domain/repository"
)

// messagePublisher is the part of pkg/kafka.Producer the publisher needs.
type messagePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaDecisionPublisher announces stop decisions keyed by experiment.
type KafkaDecisionPublisher struct {
	producer messagePublisher
	topic    string
}

func NewKafkaDecisionPublisher(producer messagePublisher, topic string) *KafkaDecisionPublisher {
	return &KafkaDecisionPublisher{producer: producer, topic: topic}
}

func (p *KafkaDecisionPublisher) PublishDecision(ctx context.Context, d *models.StopDecision) error {
	return p.producer.Publish(ctx, p.topic, []byte(d.Experiment), d)
}

func (p *KafkaDecisionPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

var _ repository.DecisionPublisher = (*KafkaDecisionPublisher)(nil)
