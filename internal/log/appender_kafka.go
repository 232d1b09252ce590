package log

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/arnet/internal/config"
)

// messageWriter is the part of *kafka.Writer used by KafkaWriter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes each log line as one Kafka message. Delivery is
// asynchronous: a write never blocks the logging goroutine on the broker.
type KafkaWriter struct {
	w   messageWriter
	key []byte
}

// NewKafkaWriter creates a writer producing to cfg.Topic. The message key
// defaults to the hostname.
func NewKafkaWriter(cfg config.KafkaOutputConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka output requires 'brokers' field")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka output requires 'topic' field")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, "kafka log output: "+msg+"\n", args...)
		}),
	}
	return newKafkaWriter(w, cfg.Key), nil
}

func newKafkaWriter(w messageWriter, key string) *KafkaWriter {
	if key == "" {
		key, _ = os.Hostname()
	}
	return &KafkaWriter{w: w, key: []byte(key)}
}

// Write implements io.Writer. p is copied, the caller may reuse it.
func (k *KafkaWriter) Write(p []byte) (int, error) {
	msg := kafka.Message{Key: k.key, Value: append([]byte(nil), p...)}
	if err := k.w.WriteMessages(context.Background(), msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes pending messages and closes the producer.
func (k *KafkaWriter) Close() error {
	return k.w.Close()
}
