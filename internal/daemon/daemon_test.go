package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"paceq/eventbus"
	"paceq/internal/storage"
	"paceq/pkg/logx"
	"paceq/scheduler"
)

type memStore struct {
	recs []storage.RunRecord
}

func (m *memStore) AppendRun(ctx context.Context, r storage.RunRecord) error {
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) RecentRuns(ctx context.Context, n int) ([]storage.RunRecord, error) {
	return m.recs, nil
}

func (m *memStore) Close() error { return nil }

func TestRejectRecordCarriesJobName(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	a := &App{log: logx.Nop(), store: st}

	err := &commandError{Job: "backup", Err: errors.New("exit status 1")}
	a.handleEvent(context.Background(), a.log, eventbus.Event{
		Type: scheduler.EventReject,
		Time: time.Now(),
		Data: scheduler.RejectPayload{
			Err:  err,
			Task: scheduler.TaskMeta{Seq: 3, Attempt: 1, StartedAt: time.Now()},
		},
	})

	if len(st.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(st.recs))
	}
	r := st.recs[0]
	if r.Name != "backup" {
		t.Fatalf("Name = %q, want backup", r.Name)
	}
	if r.Outcome != storage.OutcomeRejected {
		t.Fatalf("Outcome = %q, want %q", r.Outcome, storage.OutcomeRejected)
	}
	if r.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", r.Attempts)
	}
}

func TestResolveRecordPersisted(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	a := &App{log: logx.Nop(), store: st}

	a.handleEvent(context.Background(), a.log, eventbus.Event{
		Type: scheduler.EventResolve,
		Time: time.Now(),
		Data: scheduler.ResolvePayload{Value: commandResult{
			Name:     "heartbeat",
			Output:   "ok",
			Started:  time.Now(),
			Took:     12 * time.Millisecond,
			Attempts: 1,
		}},
	})

	if len(st.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(st.recs))
	}
	if st.recs[0].Name != "heartbeat" || st.recs[0].Outcome != storage.OutcomeResolved {
		t.Fatalf("record = %+v", st.recs[0])
	}
}
