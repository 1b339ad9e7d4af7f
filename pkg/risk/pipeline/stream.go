package pipeline

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// StreamConfig configures the Kafka transport.
type StreamConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// MessageWriter is the producing side of kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the consuming side of kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RecordProcessor drives one streamed record and reads back its checkpoint;
// the Coordinator implements it.
type RecordProcessor interface {
	ProcessRecord(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error)
	Record(ctx context.Context, id string) (*risk.TransactionRecord, error)
}

func NewKafkaWriter(cfg StreamConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
}

func NewKafkaReader(cfg StreamConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})
}

// Publisher emits one message per normalized record, keyed by record ID so
// redeliveries of a record land on the same partition.
type Publisher struct {
	writer MessageWriter
	logger *logrus.Logger
}

func NewPublisher(writer MessageWriter, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Publisher{writer: writer, logger: logger}
}

// Publish writes the records in one batch and returns how many were sent.
func (p *Publisher) Publish(ctx context.Context, records iter.Seq[*risk.TransactionRecord]) (int, error) {
	var msgs []kafka.Message
	for rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, errors.Wrapf(err, "encode record %s", rec.ID)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(rec.ID), Value: data})
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.WithError(err).WithField("count", len(msgs)).Error("Failed to publish records")
		return 0, errors.Wrap(err, "publish records")
	}
	p.logger.WithField("count", len(msgs)).Info("Records published")
	return len(msgs), nil
}

func (p *Publisher) Close() error { return p.writer.Close() }

// Consumer reads records from the stream and drives them through the
// pipeline. Delivery is at least once. A Deduper claim per record ID keeps
// redelivered messages from being processed twice; a claim is only trusted
// once the record's checkpoint is terminal, so a claim left behind by a
// crashed consumer does not drop the record.
type Consumer struct {
	reader    MessageReader
	processor RecordProcessor
	deduper   storage.Deduper
	logger    *logrus.Logger
}

func NewConsumer(reader MessageReader, processor RecordProcessor, deduper storage.Deduper, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if deduper == nil {
		deduper = storage.NewMemoryDeduper()
	}
	return &Consumer{reader: reader, processor: processor, deduper: deduper, logger: logger}
}

// Run consumes until ctx ends or a record cannot be processed. The offset of
// a message is committed only after its record reached a terminal state.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.logger.WithFields(logrus.Fields{"partition": msg.Partition, "offset": msg.Offset})

	var rec risk.TransactionRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil || rec.ID == "" {
		log.WithError(err).Warn("Dropping undecodable message")
		return nil
	}
	log = log.WithField("record_id", rec.ID)

	claimed, err := c.deduper.Claim(ctx, rec.ID)
	if err != nil {
		return errors.Wrap(err, "claim record")
	}
	if !claimed {
		stored, err := c.processor.Record(ctx, rec.ID)
		switch {
		case err == nil && stored.Status.Terminal():
			log.Debug("Skipping duplicate delivery")
			return nil
		case err != nil && !errors.Is(err, risk.ErrNotFound):
			return errors.Wrapf(err, "load record %s", rec.ID)
		}
		log.Warn("Claimed record is unfinished, processing it again")
	}

	out, err := c.processor.ProcessRecord(ctx, &rec)
	if err != nil {
		if rerr := c.deduper.Release(ctx, rec.ID); rerr != nil {
			log.WithError(rerr).Warn("Failed to release claim")
		}
		return errors.Wrapf(err, "process record %s", rec.ID)
	}
	log.WithField("status", out.Status).Info("Streamed record processed")
	return nil
}

func (c *Consumer) Close() error { return c.reader.Close() }
