package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"github.com/athapong/aio-risk/pkg/risk"
	"github.com/athapong/aio-risk/pkg/risk/storage"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

func recordMessage(t *testing.T, rec *risk.TransactionRecord) kafka.Message {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(rec.ID), Value: data}
}

func TestPublisher(t *testing.T) {
	recs := []*risk.TransactionRecord{
		{ID: "r1", JobID: "j", Receiver: risk.Party{Name: "Acme Corp"}},
		{ID: "r2", JobID: "j", Sender: risk.Party{Name: "Jane Doe"}},
	}

	t.Run("Given two records When published Then one keyed message is written per record", func(t *testing.T) {
		w := &MockMessageWriter{}
		n, err := NewPublisher(w, quietLogger()).Publish(context.Background(), slices.Values(recs))
		if err != nil || n != 2 {
			t.Fatalf("Publish() = %d, %v", n, err)
		}
		if w.Writes != 1 || len(w.Messages) != 2 {
			t.Fatalf("writes = %d messages = %d", w.Writes, len(w.Messages))
		}
		for i, msg := range w.Messages {
			if string(msg.Key) != recs[i].ID {
				t.Errorf("key = %s, want %s", msg.Key, recs[i].ID)
			}
			var got risk.TransactionRecord
			if err := json.Unmarshal(msg.Value, &got); err != nil || got.ID != recs[i].ID {
				t.Errorf("value decodes to %q, %v", got.ID, err)
			}
		}
	})

	t.Run("Given no records When published Then nothing is written", func(t *testing.T) {
		w := &MockMessageWriter{}
		n, err := NewPublisher(w, quietLogger()).Publish(context.Background(), slices.Values([]*risk.TransactionRecord(nil)))
		if err != nil || n != 0 || w.Writes != 0 {
			t.Fatalf("Publish() = %d, %v with %d writes", n, err, w.Writes)
		}
	})

	t.Run("Given a failing broker When published Then the error is returned", func(t *testing.T) {
		w := &MockMessageWriter{WriteFunc: func(ctx context.Context, msgs ...kafka.Message) error {
			return errors.New("leader not available")
		}}
		p := NewPublisher(w, quietLogger())
		if _, err := p.Publish(context.Background(), slices.Values(recs)); err == nil {
			t.Fatal("Publish() error = nil")
		}
		if err := p.Close(); err != nil || !w.Closed {
			t.Errorf("Close() = %v, closed = %v", err, w.Closed)
		}
	})
}

func TestConsumerDeduplicatesDeliveries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &risk.TransactionRecord{ID: "r1", JobID: "j", Receiver: risk.Party{Name: "Acme Corp"}}
	reader := &MockMessageReader{
		Messages: []kafka.Message{
			recordMessage(t, rec),
			{Key: []byte("junk"), Value: []byte("not json")},
			recordMessage(t, rec),
		},
		Done: cancel,
	}
	processor := &MockRecordProcessor{}

	if err := NewConsumer(reader, processor, storage.NewMemoryDeduper(), quietLogger()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(processor.Seen) != 1 || processor.Seen[0] != "r1" {
		t.Errorf("processed = %v, want [r1]", processor.Seen)
	}
	if len(reader.Committed) != 3 {
		t.Errorf("committed = %d, want 3", len(reader.Committed))
	}
	for i, msg := range reader.Committed {
		if msg.Offset != int64(i) {
			t.Errorf("commit %d has offset %d", i, msg.Offset)
		}
	}
}

func TestConsumerLeavesFailedMessageUncommitted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &risk.TransactionRecord{ID: "r1", JobID: "j"}
	reader := &MockMessageReader{Messages: []kafka.Message{recordMessage(t, rec)}, Done: cancel}
	processor := &MockRecordProcessor{ProcessFunc: func(ctx context.Context, rec *risk.TransactionRecord) (*risk.TransactionRecord, error) {
		return nil, errors.New("repository unavailable")
	}}
	deduper := storage.NewMemoryDeduper()

	if err := NewConsumer(reader, processor, deduper, quietLogger()).Run(ctx); err == nil {
		t.Fatal("Run() error = nil, want processing error")
	}
	if len(reader.Committed) != 0 {
		t.Errorf("committed = %d, want 0", len(reader.Committed))
	}
	claimed, err := deduper.Claim(context.Background(), "r1")
	if err != nil || !claimed {
		t.Errorf("Claim() after failure = %v, %v, want the claim released", claimed, err)
	}
}

func TestConsumerRecoversAbandonedClaim(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, recs, err := h.coord.Register(ctx, csvReq(acmeCSV))
	if err != nil || len(recs) != 1 {
		t.Fatalf("Register() = %d records, %v", len(recs), err)
	}
	rec := recs[0]

	// a consumer claimed the record and died before checkpointing it
	deduper := storage.NewMemoryDeduper()
	if ok, _ := deduper.Claim(ctx, rec.ID); !ok {
		t.Fatal("setup claim rejected")
	}

	reader := &MockMessageReader{Messages: []kafka.Message{recordMessage(t, rec)}, Done: cancel}
	if err := NewConsumer(reader, h.coord, deduper, quietLogger()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	t.Run("Given a claim with no checkpoint When the message is redelivered Then the record is processed", func(t *testing.T) {
		stored, err := h.repo.GetRecord(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("GetRecord() error = %v", err)
		}
		if stored.Status != risk.StatusCompleted {
			t.Errorf("status = %s, want COMPLETED", stored.Status)
		}
		if len(reader.Committed) != 1 {
			t.Errorf("committed = %d, want 1", len(reader.Committed))
		}
	})

	t.Run("Given the recovered record When the job is read Then it is settled", func(t *testing.T) {
		got, err := h.repo.GetJob(context.Background(), job.ID)
		if err != nil || got.Status != risk.JobCompleted || got.Completed != 1 {
			t.Errorf("job = %+v, %v", got, err)
		}
	})
}

func TestConsumerStopsOnLookupFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &risk.TransactionRecord{ID: "r1", JobID: "j"}
	deduper := storage.NewMemoryDeduper()
	deduper.Claim(ctx, rec.ID)
	reader := &MockMessageReader{Messages: []kafka.Message{recordMessage(t, rec)}, Done: cancel}
	processor := &lookupFailingProcessor{}

	if err := NewConsumer(reader, processor, deduper, quietLogger()).Run(ctx); err == nil {
		t.Fatal("Run() error = nil, want lookup error")
	}
	if len(reader.Committed) != 0 || len(processor.Seen) != 0 {
		t.Errorf("committed = %d processed = %v, want neither", len(reader.Committed), processor.Seen)
	}
}

type lookupFailingProcessor struct {
	MockRecordProcessor
}

func (p *lookupFailingProcessor) Record(ctx context.Context, id string) (*risk.TransactionRecord, error) {
	return nil, errors.New("repository unavailable")
}

func TestStreamEndToEnd(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := csvReq("transaction_id,sender,receiver,amount\nT1,Jane Doe,Acme Corp,10\nT2,Jane Doe,Globex Corp,20\n")
	req.Format = "csv"
	job, recs, err := h.coord.Register(ctx, req)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if job.Status != risk.JobProcessing || job.Total != 2 || !job.Streamed {
		t.Fatalf("registered job = %+v", job)
	}

	w := &MockMessageWriter{}
	n, err := NewPublisher(w, quietLogger()).Publish(ctx, slices.Values(recs))
	if err != nil || n != 2 {
		t.Fatalf("Publish() = %d, %v", n, err)
	}

	t.Run("Given a registered job When registered again Then nothing is republished", func(t *testing.T) {
		again, more, err := h.coord.Register(ctx, csvReq(string(req.Data)))
		if err != nil || again.ID != job.ID || len(more) != 0 {
			t.Errorf("Register() again = %v, %d records, %v", again, len(more), err)
		}
	})

	t.Run("Given a streamed job When the process restarts Then Resume leaves it to consumers", func(t *testing.T) {
		resumed, err := h.coord.Resume(ctx)
		if err != nil || len(resumed) != 0 {
			t.Errorf("Resume() = %v, %v", resumed, err)
		}
	})

	// Redeliver the first message to simulate a consumer restart.
	reader := &MockMessageReader{Messages: append(slices.Clone(w.Messages), w.Messages[0]), Done: cancel}
	if err := NewConsumer(reader, h.coord, nil, quietLogger()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stored := h.records(t, job.ID)
	if len(stored) != 2 {
		t.Fatalf("records = %d, want 2", len(stored))
	}
	for _, rec := range stored {
		if rec.Status != risk.StatusCompleted || len(rec.Entities) != 2 {
			t.Errorf("record %s = %s with %d entities", rec.SourceID, rec.Status, len(rec.Entities))
		}
	}

	t.Run("Given every record consumed When the job is read Then it is COMPLETED with its counts", func(t *testing.T) {
		report, err := h.coord.JobStatus(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("JobStatus() error = %v", err)
		}
		if report.Job.Status != risk.JobCompleted || report.Job.Total != 2 || report.Job.Completed != 2 || report.Job.Failed != 0 {
			t.Errorf("job = %+v", report.Job)
		}
	})

	jane := h.entity(t, "Jane Doe", risk.EntityIndividual)
	if got := jane.TransactionIDs.Cardinality(); got != 2 {
		t.Errorf("Jane Doe transactions = %d, want 2", got)
	}
	if nodes, edges := h.graph.Counts(); nodes != 3 || edges != 2 {
		t.Errorf("graph = %d nodes %d edges, want 3 and 2", nodes, edges)
	}
}
