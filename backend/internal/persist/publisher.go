package persist

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// KafkaPublisher 同步发送，key 用 roomId，同一房间的事件进同一个分区
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// NewSyncProducer 按 broker 列表建一个 SyncProducer
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	return sarama.NewSyncProducer(brokers, cfg)
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
