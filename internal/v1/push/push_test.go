package push

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

type fakePushStore struct {
	users   map[uuid.UUID]*store.User
	subs    map[string]store.PushSubscription // endpoint -> sub
	queue   map[[2]uuid.UUID]*store.PushQueueEntry
	batches [][]store.PushQueueEntry
}

func newFakePushStore() *fakePushStore {
	return &fakePushStore{
		users: map[uuid.UUID]*store.User{},
		subs:  map[string]store.PushSubscription{},
		queue: map[[2]uuid.UUID]*store.PushQueueEntry{},
	}
}

func (f *fakePushStore) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "not found")
	}
	return u, nil
}

func (f *fakePushStore) UpsertSubscription(_ context.Context, sub *store.PushSubscription) error {
	f.subs[sub.Endpoint] = *sub
	return nil
}

func (f *fakePushStore) DeleteSubscription(_ context.Context, userID uuid.UUID, endpoint string) error {
	if sub, ok := f.subs[endpoint]; ok && sub.UserID == userID {
		delete(f.subs, endpoint)
	}
	return nil
}

func (f *fakePushStore) HasSubscription(_ context.Context, userID uuid.UUID) (bool, error) {
	for _, sub := range f.subs {
		if sub.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePushStore) EnqueuePush(_ context.Context, userID, messageID uuid.UUID, removeDate time.Time) error {
	key := [2]uuid.UUID{userID, messageID}
	if _, ok := f.queue[key]; !ok {
		f.queue[key] = &store.PushQueueEntry{UserID: userID, MessageID: messageID, RemoveDate: removeDate}
	}
	return nil
}

func (f *fakePushStore) ClaimPushBatch(_ context.Context, limit, maxAttempts int) ([]store.PushQueueEntry, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakePushStore) ListSubscriptions(_ context.Context, userID uuid.UUID) ([]store.PushSubscription, error) {
	var subs []store.PushSubscription
	for _, sub := range f.subs {
		if sub.UserID == userID {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (f *fakePushStore) BumpPushAttempts(_ context.Context, userID, messageID uuid.UUID) error {
	if e, ok := f.queue[[2]uuid.UUID{userID, messageID}]; ok {
		e.Attempts++
	}
	return nil
}

func (f *fakePushStore) MarkPushSent(_ context.Context, userID, messageID uuid.UUID) error {
	if e, ok := f.queue[[2]uuid.UUID{userID, messageID}]; ok {
		e.Sent = true
	}
	return nil
}

func (f *fakePushStore) PruneSubscription(_ context.Context, endpoint string) error {
	delete(f.subs, endpoint)
	return nil
}

func (f *fakePushStore) CleanupPush(_ context.Context, _ time.Time) error { return nil }

type fakePresence map[uuid.UUID]bool

func (f fakePresence) Online(userID uuid.UUID) bool { return f[userID] }

type fakeGateway struct {
	statuses map[string]int // endpoint -> status
	err      error
	payloads [][]byte
}

func (g *fakeGateway) Send(_ context.Context, payload []byte, sub *store.PushSubscription) (int, error) {
	g.payloads = append(g.payloads, payload)
	if g.err != nil {
		return 0, g.err
	}
	if status, ok := g.statuses[sub.Endpoint]; ok {
		return status, nil
	}
	return http.StatusCreated, nil
}

func addUser(st *fakePushStore, removeIn time.Duration) uuid.UUID {
	id := uuid.New()
	st.users[id] = &store.User{ID: id, RemoveDate: time.Now().Add(removeIn)}
	return id
}

func TestSubscribeRetentionWindow(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, 365*24*time.Hour)
	svc := NewService(st, fakePresence{}, true)

	require.NoError(t, svc.Subscribe(context.Background(), userID, "https://push.example/ep1", "p256", "auth"))

	sub := st.subs["https://push.example/ep1"]
	assert.Equal(t, userID, sub.UserID)
	earliest := time.Now().Add(subRetentionMin - time.Minute)
	latest := time.Now().Add(subRetentionMax + time.Minute)
	assert.True(t, sub.RemoveDate.After(earliest))
	assert.True(t, sub.RemoveDate.Before(latest))
}

func TestSubscribeCappedByUserRemoveDate(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, 48*time.Hour)
	svc := NewService(st, fakePresence{}, true)

	require.NoError(t, svc.Subscribe(context.Background(), userID, "https://push.example/ep1", "p256", "auth"))

	sub := st.subs["https://push.example/ep1"]
	ceiling := st.users[userID].RemoveDate.Add(-time.Minute)
	assert.False(t, sub.RemoveDate.After(ceiling))
}

func TestSubscribeValidation(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, time.Hour)

	svc := NewService(st, fakePresence{}, false)
	err := svc.Subscribe(context.Background(), userID, "https://push.example/ep1", "p256", "auth")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	svc = NewService(st, fakePresence{}, true)
	err = svc.Subscribe(context.Background(), userID, "", "p256", "auth")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	err = svc.Subscribe(context.Background(), userID, "https://push.example/ep1", "", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestEnqueueOfflineSkipsOnlineAndUnsubscribed(t *testing.T) {
	st := newFakePushStore()
	sender := addUser(st, time.Hour)
	online := addUser(st, time.Hour)
	offline := addUser(st, time.Hour)
	unsubscribed := addUser(st, time.Hour)

	st.subs["https://push.example/online"] = store.PushSubscription{Endpoint: "https://push.example/online", UserID: online}
	st.subs["https://push.example/offline"] = store.PushSubscription{Endpoint: "https://push.example/offline", UserID: offline}

	svc := NewService(st, fakePresence{online: true, sender: true}, true)
	messageID, _ := uuid.NewV7()
	err := svc.EnqueueOffline(context.Background(), messageID, sender,
		[]uuid.UUID{sender, online, offline, unsubscribed})
	require.NoError(t, err)

	require.Len(t, st.queue, 1)
	_, ok := st.queue[[2]uuid.UUID{offline, messageID}]
	assert.True(t, ok)
}

func TestEnqueueDisabledIsNoop(t *testing.T) {
	st := newFakePushStore()
	svc := NewService(st, fakePresence{}, false)
	messageID, _ := uuid.NewV7()
	require.NoError(t, svc.EnqueueOffline(context.Background(), messageID, uuid.New(), []uuid.UUID{uuid.New()}))
	assert.Empty(t, st.queue)
}

func TestWorkerDeliversAndMarksSent(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, time.Hour)
	messageID, _ := uuid.NewV7()
	chatID := uuid.New()

	st.subs["https://push.example/ep1"] = store.PushSubscription{Endpoint: "https://push.example/ep1", UserID: userID, P256dh: "p", Auth: "a"}
	st.queue[[2]uuid.UUID{userID, messageID}] = &store.PushQueueEntry{UserID: userID, MessageID: messageID, ChatID: chatID}
	st.batches = [][]store.PushQueueEntry{{{UserID: userID, MessageID: messageID, ChatID: chatID}}}

	gw := &fakeGateway{}
	w := NewWorker(st, gw, "lrcom", time.Second, time.Minute)
	w.drain(context.Background())

	entry := st.queue[[2]uuid.UUID{userID, messageID}]
	assert.True(t, entry.Sent)
	assert.Equal(t, 1, entry.Attempts)

	// Fixed payload shape: no ciphertext, just the chat id.
	require.Len(t, gw.payloads, 1)
	var n notification
	require.NoError(t, json.Unmarshal(gw.payloads[0], &n))
	assert.Equal(t, "lrcom", n.Title)
	assert.Equal(t, "New message", n.Body)
	assert.Equal(t, "lrcom-chat-"+chatID.String(), n.Tag)
	assert.Equal(t, chatID, n.Data.ChatID)
}

func TestWorkerPrunesGoneEndpoints(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, time.Hour)
	messageID, _ := uuid.NewV7()

	st.subs["https://push.example/gone"] = store.PushSubscription{Endpoint: "https://push.example/gone", UserID: userID}
	st.queue[[2]uuid.UUID{userID, messageID}] = &store.PushQueueEntry{UserID: userID, MessageID: messageID}
	st.batches = [][]store.PushQueueEntry{{{UserID: userID, MessageID: messageID}}}

	gw := &fakeGateway{statuses: map[string]int{"https://push.example/gone": http.StatusGone}}
	w := NewWorker(st, gw, "lrcom", time.Second, time.Minute)
	w.drain(context.Background())

	assert.NotContains(t, st.subs, "https://push.example/gone")
	assert.False(t, st.queue[[2]uuid.UUID{userID, messageID}].Sent)
}

func TestWorkerCountsFailedAttempts(t *testing.T) {
	st := newFakePushStore()
	userID := addUser(st, time.Hour)
	messageID, _ := uuid.NewV7()

	st.subs["https://push.example/ep1"] = store.PushSubscription{Endpoint: "https://push.example/ep1", UserID: userID}
	st.queue[[2]uuid.UUID{userID, messageID}] = &store.PushQueueEntry{UserID: userID, MessageID: messageID}
	st.batches = [][]store.PushQueueEntry{{{UserID: userID, MessageID: messageID}}}

	gw := &fakeGateway{err: apperr.New(apperr.KindPushTransient, "gateway down")}
	w := NewWorker(st, gw, "lrcom", time.Second, time.Minute)
	w.drain(context.Background())

	entry := st.queue[[2]uuid.UUID{userID, messageID}]
	assert.False(t, entry.Sent)
	assert.Equal(t, 1, entry.Attempts)
}
