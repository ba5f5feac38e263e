package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-gatescan/internal/config"
	"ms-gatescan/internal/logger"
)

// KafkaPublisher writes notifications for durable downstream consumers.
// topics maps notification topics to Kafka topic names; unmapped topics are
// skipped.
type KafkaPublisher struct {
	Writer *kafka.Writer
	topics map[string]string
	log    *logger.Logger
}

func NewKafkaPublisher(brokers []string, topics map[string]string, log *logger.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{Writer: writer, topics: topics, log: log}
}

// KafkaTopics maps every notification topic to its configured Kafka topic.
func KafkaTopics(cfg config.TopicConfig) map[string]string {
	return map[string]string{
		TopicScanLogged:         cfg.ScanLogged,
		TopicDiscrepancyCreated: cfg.DiscrepancyCreated,
		TopicFraudFlagged:       cfg.FraudFlagged,
		TopicSyncDivergence:     cfg.SyncDivergence,
	}
}

// Topic returns the Kafka topic that notifications on topic are written to.
func (p *KafkaPublisher) Topic(topic string) (string, bool) {
	kafkaTopic, ok := p.topics[topic]
	return kafkaTopic, ok
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	kafkaTopic, ok := p.topics[topic]
	if !ok {
		return nil
	}
	msg, err := NewMessage(topic, key, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: kafkaTopic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", kafkaTopic, err)
	}
	p.log.LogKafka("PUBLISH", kafkaTopic, key)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.Writer.Close()
}

// EnsureTopicsExist creates Kafka topics through the cluster controller.
// Topics that already exist are left alone.
func EnsureTopicsExist(ctx context.Context, brokers []string, topics []string, log *logger.Logger) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	controllerConn, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		err := controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		switch {
		case errors.Is(err, kafka.TopicAlreadyExists):
			log.Debug("KAFKA", fmt.Sprintf("Topic %s already exists", topic))
		case err != nil:
			log.Error("KAFKA", fmt.Sprintf("Error creating topic %s: %v", topic, err))
		default:
			log.Info("KAFKA", fmt.Sprintf("Created topic: %s", topic))
		}
	}
	return nil
}
