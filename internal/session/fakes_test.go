package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/pkg/models"
)

// sequentialIDs returns "sid-1", "sid-2", ... on successive calls.
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("sid-%d", n.Add(1))
	}
}

type fakeTargets struct {
	mu        sync.Mutex
	targets   map[string]models.Target
	completed []string
}

func newFakeTargets(ts ...models.Target) *fakeTargets {
	f := &fakeTargets{targets: make(map[string]models.Target)}
	for _, t := range ts {
		f.targets[t.ID] = t
	}
	return f
}

func (f *fakeTargets) Get(id string) (models.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.targets[id]
	if !ok {
		return models.Target{}, models.ErrNotFound
	}
	return t, nil
}

func (f *fakeTargets) RecordBackupCompleted(ctx context.Context, id string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeTargets) Completed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

type fakeActivity struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeActivity) Record(ctx context.Context, message string) (models.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return models.ActivityEntry{Message: message}, nil
}

func (f *fakeActivity) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakePush struct {
	ch chan network.Message

	mu      sync.Mutex
	emitted []string
	emitErr error
}

func newFakePush() *fakePush {
	return &fakePush{ch: make(chan network.Message, 16)}
}

func (f *fakePush) Messages() <-chan network.Message { return f.ch }

func (f *fakePush) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := json.Marshal(data)
	f.emitted = append(f.emitted, event+" "+string(b))
	return f.emitErr
}

func (f *fakePush) Emitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

func (f *fakePush) send(event string, data any) {
	b, _ := json.Marshal(data)
	f.ch <- network.Message{Event: event, Data: b}
}

// fakeStarter answers start requests with whatever is sent on reply. A nil
// reply channel answers immediately with res/err.
type fakeStarter struct {
	res   network.Result
	err   error
	reply chan network.Result

	mu       sync.Mutex
	requests []network.StartRequest
}

func (f *fakeStarter) StartBackup(ctx context.Context, req network.StartRequest) (network.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.reply != nil {
		select {
		case res := <-f.reply:
			return res, nil
		case <-ctx.Done():
			return network.Result{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func (f *fakeStarter) Requests() []network.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.StartRequest(nil), f.requests...)
}

type recordingSink struct {
	mu        sync.Mutex
	snapshots []models.SessionSnapshot
	lines     []models.LogLine
	cleared   int
}

func (s *recordingSink) SessionChanged(snap models.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
}

func (s *recordingSink) LogAppended(line models.LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *recordingSink) LogCleared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *recordingSink) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		out = append(out, l.Message)
	}
	return out
}
