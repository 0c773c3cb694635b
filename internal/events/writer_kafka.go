package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// KafkaWriter ships cloudevents envelopes to a kafka topic. The
// message key is the event id so replays of the same event land in
// the same partition.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, cfg *sarama.Config) (*KafkaWriter, error) {
	// SyncProducer requires successes to be returned.
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	return &KafkaWriter{producer: producer}, nil
}

func (k *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(e.ID()),
		Value: sarama.ByteEncoder(data),
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return err
	}

	return nil
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
