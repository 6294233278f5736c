package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dmserver/internal/blob"
	"dmserver/internal/database"
	"dmserver/internal/models"
	"dmserver/internal/policy"
	"dmserver/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock blob store
type mockBlobStore struct {
	mock.Mock
}

func (m *mockBlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) Copy(ctx context.Context, srcRef, newKey string) (string, error) {
	args := m.Called(ctx, srcRef, newKey)
	return args.String(0), args.Error(1)
}

func (m *mockBlobStore) Delete(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

// Mock transcription queue
type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, job models.TranscriptionJob, policy retry.BackoffConfig) error {
	args := m.Called(ctx, job, policy)
	return args.Error(0)
}

// Mock image compressor
type mockCompressor struct {
	mock.Mock
}

func (m *mockCompressor) Compress(ctx context.Context, data []byte, mimeType string) (*blob.Compressed, error) {
	args := m.Called(ctx, data, mimeType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*blob.Compressed), args.Error(1)
}

// Mock lease
type mockLease struct {
	mock.Mock
}

func (m *mockLease) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *mockLease) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type notification struct {
	UserID  string
	Event   string
	Payload interface{}
}

// recordingNotifier keeps every notification in order.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, userID, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{UserID: userID, Event: event, Payload: payload})
}

func (n *recordingNotifier) For(userID, event string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, s := range n.sent {
		if s.UserID == userID && s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

// Statuses lists the message_status values sent to userID for one message.
func (n *recordingNotifier) Statuses(userID, messageID string) []models.MessageStatus {
	var out []models.MessageStatus
	for _, s := range n.For(userID, models.EventMessageStatus) {
		if ev, ok := s.Payload.(models.StatusEvent); ok && ev.MessageID == messageID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type stubPresence struct {
	mu     sync.Mutex
	online map[string]bool
	err    error
}

func (p *stubPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	return p.online[userID], nil
}

func (p *stubPresence) Set(userID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = make(map[string]bool)
	}
	p.online[userID] = online
}

// faultyStore wraps the SQLite store and fails selected writes.
type faultyStore struct {
	*database.Database

	mu         sync.Mutex
	failPut    map[string]error // by owner
	failUpdate map[string]error // by owner
}

func (f *faultyStore) PutMessage(ctx context.Context, msg *models.Message) error {
	f.mu.Lock()
	err := f.failPut[msg.OwnerID]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Database.PutMessage(ctx, msg)
}

func (f *faultyStore) UpdateMessage(ctx context.Context, messageID, ownerID string, upd models.MessageUpdate) (*models.Message, error) {
	f.mu.Lock()
	err := f.failUpdate[ownerID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Database.UpdateMessage(ctx, messageID, ownerID, upd)
}

func (f *faultyStore) FailPut(owner string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut == nil {
		f.failPut = make(map[string]error)
	}
	f.failPut[owner] = err
}

func (f *faultyStore) FailUpdate(owner string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate == nil {
		f.failUpdate = make(map[string]error)
	}
	f.failUpdate[owner] = err
}

func (f *faultyStore) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPut = nil
	f.failUpdate = nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // a Monday

type testEnv struct {
	engine   *Engine
	db       *database.Database
	store    *faultyStore
	blobs    *mockBlobStore
	notifier *recordingNotifier
	presence *stubPresence
	queue    *mockQueue
	clock    *testClock
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	env := &testEnv{
		db:       db,
		store:    &faultyStore{Database: db},
		blobs:    &mockBlobStore{},
		notifier: &recordingNotifier{},
		presence: &stubPresence{},
		queue:    &mockQueue{},
		clock:    &testClock{now: baseTime},
	}

	var seq int64
	env.engine = NewEngine(Dependencies{
		Store:         env.store,
		Tombstones:    db,
		Audit:         db,
		Relationships: db,
		Blobs:         env.blobs,
		Notifier:      env.notifier,
		Presence:      env.presence,
		Queue:         env.queue,
		Policy:        policy.NewResolver(db, models.PolicyConfig{}),
	}, EngineOptions{
		StoreTimeout: 2 * time.Second,
		MediaLimits:  models.MediaSizeLimits{Image: 1, Video: 1, Voice: 1, File: 1},
		Now:          env.clock.Now,
		NewID: func() string {
			return fmt.Sprintf("msg-%03d", atomic.AddInt64(&seq, 1))
		},
	}, newTestLogger())

	return env
}

func (env *testEnv) replica(t *testing.T, messageID, owner string) *models.Message {
	t.Helper()
	msg, err := env.db.GetMessage(context.Background(), messageID, owner)
	require.NoError(t, err)
	return msg
}

func (env *testEnv) sendText(t *testing.T, from, to, text string) *models.Message {
	t.Helper()
	msg, err := env.engine.CreateMessage(context.Background(), from, to, models.SendPayload{
		Type:    models.MessageTypeText,
		Content: &text,
	})
	require.NoError(t, err)
	return msg
}

func strPtr(s string) *string { return &s }
