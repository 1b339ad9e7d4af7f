package pipeline

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// MockProvider is a test double for enrichment.Provider.
type MockProvider struct {
	NameValue  string
	LookupFunc func(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error)
	calls      atomic.Int32
}

func (m *MockProvider) Name() string { return m.NameValue }

func (m *MockProvider) Lookup(ctx context.Context, name string, typ risk.EntityType) (*risk.Payload, error) {
	m.calls.Add(1)
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, name, typ)
	}
	return nil, risk.ErrNotFound
}

func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// MockProjector overrides Project on top of a real Projector.
type MockProjector struct {
	Projector
	ProjectFunc func(ctx context.Context, rec *risk.TransactionRecord, entities []*risk.ResolvedEntity) error
}

func (m *MockProjector) Project(ctx context.Context, rec *risk.TransactionRecord, entities []*risk.ResolvedEntity) error {
	if m.ProjectFunc != nil {
		return m.ProjectFunc(ctx, rec, entities)
	}
	return m.Projector.Project(ctx, rec, entities)
}

// MockMessageWriter records every written message.
type MockMessageWriter struct {
	WriteFunc func(ctx context.Context, msgs ...kafka.Message) error
	Messages  []kafka.Message
	Writes    int
	Closed    bool
}

func (m *MockMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Writes++
	if m.WriteFunc != nil {
		if err := m.WriteFunc(ctx, msgs...); err != nil {
			return err
		}
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockMessageWriter) Close() error {
	m.Closed = true
	return nil
}

// MockMessageReader serves a fixed set of messages, then cancels the
// consumer's context through Done.
type MockMessageReader struct {
	Messages  []kafka.Message
	Done      context.CancelFunc
	mutex     sync.Mutex
	next      int
	Committed []kafka.Message
}

func (m *MockMessageReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mutex.Lock()
	if m.next < len(m.Messages) {
		msg := m.Messages[m.next]
		msg.Offset = int64(m.next)
		m.next++
		m.mutex.Unlock()
		return msg, nil
	}
	m.mutex.Unlock()

	if m.Done != nil {
		m.Done()
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *MockMessageReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Committed = append(m.Committed, msgs...)
	return nil
}

func (m *MockMessageReader) Close() error { return nil }

// MockRecordProcessor counts the records it is asked to drive and keeps the
// ones that finished as their checkpoints.
type MockRecordProcessor struct {
	ProcessFunc func(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error)
	mutex       sync.Mutex
	Seen        []string
	stored      map[string]*risk.TransactionRecord
}

func (m *MockRecordProcessor) ProcessRecord(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error) {
	m.mutex.Lock()
	m.Seen = append(m.Seen, rec.ID)
	m.mutex.Unlock()

	var out *risk.TransactionRecord
	if m.ProcessFunc != nil {
		var err error
		if out, err = m.ProcessFunc(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		out = rec.Clone()
		out.Status = risk.StatusCompleted
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.stored == nil {
		m.stored = make(map[string]*risk.TransactionRecord)
	}
	m.stored[out.ID] = out
	return out, nil
}

func (m *MockRecordProcessor) Record(ctx context.Context, id string) (*risk.TransactionRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if rec, ok := m.stored[id]; ok {
		return rec, nil
	}
	return nil, risk.ErrNotFound
}

// MockExtractor delegates to Inner and fails every call for the record whose
// source ID is FailFor.
type MockExtractor struct {
	Inner   Extractor
	FailFor string
	calls   atomic.Int32
}

func (m *MockExtractor) Extract(ctx context.Context, rec *risk.TransactionRecord) (iter.Seq[risk.EntityCandidate], error) {
	if rec.SourceID == m.FailFor {
		m.calls.Add(1)
		return nil, &risk.ExtractionError{RecordID: rec.ID, Err: errors.New("model unavailable")}
	}
	return m.Inner.Extract(ctx, rec)
}

func (m *MockExtractor) FailedCalls() int { return int(m.calls.Load()) }
