package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

type sentEvent struct {
	user    uuid.UUID
	session string
	except  string
	event   any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (f *fakeSender) ToUser(userID uuid.UUID, event any) {
	f.record(sentEvent{user: userID, event: event})
}

func (f *fakeSender) ToSession(userID uuid.UUID, sessionID string, event any) {
	f.record(sentEvent{user: userID, session: sessionID, event: event})
}

func (f *fakeSender) ToUserExcept(userID uuid.UUID, exceptSessionID string, event any) {
	f.record(sentEvent{user: userID, except: exceptSessionID, event: event})
}

func (f *fakeSender) record(e sentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
}

func (f *fakeSender) forUser(userID uuid.UUID) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.user == userID {
			out = append(out, e.event)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

func (f *fakePresence) Online(userID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakePresence) set(userID uuid.UUID, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = on
}

type fakeCallStore struct {
	users    map[uuid.UUID]*store.User
	shared   map[[2]uuid.UUID]bool
	personal map[[2]uuid.UUID]bool
}

func pairKey(a, b uuid.UUID) [2]uuid.UUID {
	if a.String() > b.String() {
		a, b = b, a
	}
	return [2]uuid.UUID{a, b}
}

func (f *fakeCallStore) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "not found")
	}
	return u, nil
}

func (f *fakeCallStore) HasAnyChat(_ context.Context, a, b uuid.UUID) (bool, error) {
	return f.shared[pairKey(a, b)], nil
}

func (f *fakeCallStore) HasPersonalChat(_ context.Context, a, b uuid.UUID) (bool, error) {
	return f.personal[pairKey(a, b)], nil
}

type callFixture struct {
	engine   *Engine
	sender   *fakeSender
	presence *fakePresence
	store    *fakeCallStore

	alice, bob, carol uuid.UUID
}

func newCallFixture() *callFixture {
	f := &callFixture{
		sender:   &fakeSender{},
		presence: &fakePresence{online: map[uuid.UUID]bool{}},
		store: &fakeCallStore{
			users:    map[uuid.UUID]*store.User{},
			shared:   map[[2]uuid.UUID]bool{},
			personal: map[[2]uuid.UUID]bool{},
		},
	}
	f.engine = NewEngine(f.sender, f.presence, f.store)

	add := func(name string) uuid.UUID {
		id := uuid.New()
		f.store.users[id] = &store.User{ID: id, Username: name}
		f.presence.set(id, true)
		return id
	}
	f.alice = add("alice")
	f.bob = add("bob")
	f.carol = add("carol")
	for _, pair := range [][2]uuid.UUID{{f.alice, f.bob}, {f.alice, f.carol}, {f.bob, f.carol}} {
		f.store.shared[pairKey(pair[0], pair[1])] = true
		f.store.personal[pairKey(pair[0], pair[1])] = true
	}
	return f
}

// establish rings bob from alice and accepts, returning the room id.
func (f *callFixture) establish(t *testing.T) uuid.UUID {
	t.Helper()
	res, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NoError(t, f.engine.Accept(f.bob, "bob-s1"))
	f.sender.reset()
	return *res.RoomID
}

func TestStartRingsCallee(t *testing.T) {
	f := newCallFixture()
	res, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.RoomID)

	events := f.sender.forUser(f.bob)
	require.Len(t, events, 1)
	ring, ok := events[0].(IncomingCall)
	require.True(t, ok)
	assert.Equal(t, *res.RoomID, ring.RoomID)
	assert.Equal(t, f.alice, ring.FromUserID)
	assert.Equal(t, "alice", ring.FromUsername)

	assert.True(t, f.engine.Busy(f.alice))
	assert.True(t, f.engine.Busy(f.bob))
}

func TestStartOfflineCallee(t *testing.T) {
	f := newCallFixture()
	f.presence.set(f.bob, false)

	res, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonOffline, res.Reason)
	assert.False(t, f.engine.Busy(f.alice))
}

func TestStartBusyCallee(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	res, err := f.engine.Start(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonBusy, res.Reason)
}

func TestStartRequiresSharedChat(t *testing.T) {
	f := newCallFixture()
	stranger := uuid.New()
	f.store.users[stranger] = &store.User{ID: stranger, Username: "stranger"}
	f.presence.set(stranger, true)

	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", stranger)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestStartIntrovertNeedsPersonalChat(t *testing.T) {
	f := newCallFixture()
	f.store.users[f.bob].IntrovertMode = true
	delete(f.store.personal, pairKey(f.alice, f.bob))

	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	assert.True(t, apperr.Is(err, apperr.KindIntrovertBlock))

	f.store.personal[pairKey(f.alice, f.bob)] = true
	res, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestStartWhileBusyConflicts(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	_, err := f.engine.Start(context.Background(), f.alice, "alice-s2", f.carol)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestAcceptNotifiesEveryone(t *testing.T) {
	f := newCallFixture()
	res, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.Accept(f.bob, "bob-s2"))

	var cancelled, peerJoined, peers bool
	f.sender.mu.Lock()
	for _, e := range f.sender.sent {
		switch ev := e.event.(type) {
		case IncomingCallCancelled:
			cancelled = true
			assert.Equal(t, f.bob, e.user)
			assert.Equal(t, "bob-s2", e.except)
			assert.Equal(t, ReasonAcceptedElsewhere, ev.Reason)
		case RoomPeerJoined:
			peerJoined = true
			assert.Equal(t, f.alice, e.user)
			assert.Equal(t, "alice-s1", e.session)
			assert.Equal(t, f.bob, ev.UserID)
		case RoomPeers:
			peers = true
			assert.Equal(t, f.bob, e.user)
			assert.Equal(t, "bob-s2", e.session)
			assert.Equal(t, []uuid.UUID{f.alice}, ev.Peers)
			assert.Equal(t, *res.RoomID, ev.RoomID)
		}
	}
	f.sender.mu.Unlock()
	assert.True(t, cancelled && peerJoined && peers)
}

func TestAcceptTwiceConflicts(t *testing.T) {
	f := newCallFixture()
	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	require.NoError(t, f.engine.Accept(f.bob, "bob-s1"))

	err = f.engine.Accept(f.bob, "bob-s2")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestRejectProposedDissolvesSilently(t *testing.T) {
	f := newCallFixture()
	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.Reject(f.bob, "bob-s1"))

	// No callEnded anywhere; the caller gets callRejected instead.
	var callerRejected bool
	f.sender.mu.Lock()
	for _, e := range f.sender.sent {
		_, isEnded := e.event.(CallEnded)
		assert.False(t, isEnded)
		if ev, ok := e.event.(CallRejected); ok && e.user == f.alice {
			callerRejected = true
			assert.Equal(t, "callRejected", ev.Type)
		}
	}
	f.sender.mu.Unlock()
	assert.True(t, callerRejected)

	assert.False(t, f.engine.Busy(f.alice))
	assert.False(t, f.engine.Busy(f.bob))
}

func TestHangupBeforeAcceptCancelsRing(t *testing.T) {
	f := newCallFixture()
	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.Hangup(f.alice, "alice-s1"))

	events := f.sender.forUser(f.bob)
	require.NotEmpty(t, events)
	cancel, ok := events[0].(IncomingCallCancelled)
	require.True(t, ok)
	assert.Equal(t, ReasonHangup, cancel.Reason)
	assert.False(t, f.engine.Busy(f.bob))
}

func TestCalleeHangupBeforeAcceptRejects(t *testing.T) {
	f := newCallFixture()
	_, err := f.engine.Start(context.Background(), f.alice, "alice-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.Hangup(f.bob, "bob-s1"))

	var rejected bool
	for _, e := range f.sender.forUser(f.alice) {
		if _, ok := e.(CallRejected); ok {
			rejected = true
		}
	}
	assert.True(t, rejected)
	assert.False(t, f.engine.Busy(f.alice))
	assert.False(t, f.engine.Busy(f.bob))
}

func TestHangupLeavesLastMemberAlone(t *testing.T) {
	f := newCallFixture()
	roomID := f.establish(t)

	require.NoError(t, f.engine.Hangup(f.alice, "alice-s1"))

	var ended bool
	for _, e := range f.sender.forUser(f.bob) {
		if ev, ok := e.(CallEnded); ok {
			ended = true
			assert.Equal(t, roomID, ev.RoomID)
			assert.Equal(t, ReasonAlone, ev.Reason)
		}
	}
	assert.True(t, ended)
	assert.False(t, f.engine.Busy(f.alice))
	assert.False(t, f.engine.Busy(f.bob))
}

func TestJoinFlowFIFO(t *testing.T) {
	f := newCallFixture()
	roomID := f.establish(t)

	dave := uuid.New()
	f.store.users[dave] = &store.User{ID: dave, Username: "dave"}
	f.presence.set(dave, true)
	f.store.shared[pairKey(dave, f.bob)] = true

	// Two joiners queue; the owner sees exactly one request.
	res, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)
	assert.Nil(t, res)
	_, err = f.engine.RequestJoin(context.Background(), dave, "dave-s1", f.bob)
	require.NoError(t, err)

	var requests []JoinRequest
	for _, e := range f.sender.forUser(f.alice) {
		if ev, ok := e.(JoinRequest); ok {
			requests = append(requests, ev)
		}
	}
	require.Len(t, requests, 1)
	assert.Equal(t, f.carol, requests[0].UserID)
	assert.Equal(t, "carol", requests[0].Username)

	// Accept carol: peers learn first, then carol gets roomPeers + result.
	f.sender.reset()
	require.NoError(t, f.engine.ResolveJoin(f.alice, "alice-s1", true))

	carolEvents := f.sender.forUser(f.carol)
	require.Len(t, carolEvents, 2)
	peers, ok := carolEvents[0].(RoomPeers)
	require.True(t, ok)
	assert.ElementsMatch(t, []uuid.UUID{f.alice, f.bob}, peers.Peers)
	result, ok := carolEvents[1].(JoinResult)
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Equal(t, roomID, *result.RoomID)
	assert.True(t, f.engine.Busy(f.carol))

	// Dave's request was pumped next.
	var pumped bool
	for _, e := range f.sender.forUser(f.alice) {
		if ev, ok := e.(JoinRequest); ok {
			pumped = true
			assert.Equal(t, dave, ev.UserID)
		}
	}
	assert.True(t, pumped)
}

func TestJoinRejectPumpsNext(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	_, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.ResolveJoin(f.alice, "alice-s1", false))

	events := f.sender.forUser(f.carol)
	require.Len(t, events, 1)
	result, ok := events[0].(JoinResult)
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonRejected, result.Reason)
	assert.False(t, f.engine.Busy(f.carol))
}

func TestJoinTargetNotInCall(t *testing.T) {
	f := newCallFixture()
	res, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotInCall, res.Reason)
}

func TestJoinNoApprover(t *testing.T) {
	f := newCallFixture()
	f.establish(t)
	f.presence.set(f.alice, false)
	f.presence.set(f.bob, false)
	f.sender.reset()

	_, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)

	var failed bool
	for _, e := range f.sender.forUser(f.carol) {
		if ev, ok := e.(JoinResult); ok {
			failed = true
			assert.Equal(t, ReasonNoApprover, ev.Reason)
		}
	}
	assert.True(t, failed)
	assert.False(t, f.engine.Busy(f.carol))
}

func TestHangupRejectsQueuedJoiners(t *testing.T) {
	f := newCallFixture()
	f.establish(t)
	_, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)
	f.sender.reset()

	require.NoError(t, f.engine.Hangup(f.alice, "alice-s1"))

	var ended bool
	for _, e := range f.sender.forUser(f.carol) {
		if ev, ok := e.(JoinResult); ok {
			ended = true
			assert.False(t, ev.OK)
			assert.Equal(t, ReasonEnded, ev.Reason)
		}
	}
	assert.True(t, ended)
}

func TestRelay(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	payload := json.RawMessage(`{"sdp":"offer"}`)
	require.NoError(t, f.engine.Relay(f.alice, "alice-s1", f.bob, payload))

	events := f.sender.forUser(f.bob)
	require.Len(t, events, 1)
	sig, ok := events[0].(Signal)
	require.True(t, ok)
	assert.Equal(t, f.alice, sig.From)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sig.Payload))

	// Only the controlling session may signal.
	err := f.engine.Relay(f.alice, "alice-s2", f.bob, payload)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	// Targets outside the room are refused.
	err = f.engine.Relay(f.alice, "alice-s1", f.carol, payload)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestSessionClosedLeavesRoom(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	f.engine.SessionClosed(f.alice, "alice-s1")

	assert.False(t, f.engine.Busy(f.alice))
	assert.False(t, f.engine.Busy(f.bob))
}

func TestSessionClosedCancelsPendingJoin(t *testing.T) {
	f := newCallFixture()
	f.establish(t)
	_, err := f.engine.RequestJoin(context.Background(), f.carol, "carol-s1", f.bob)
	require.NoError(t, err)

	f.engine.SessionClosed(f.carol, "carol-s1")

	// The room's join slot is free again for the next request.
	dave := uuid.New()
	f.store.users[dave] = &store.User{ID: dave, Username: "dave"}
	f.presence.set(dave, true)
	f.store.shared[pairKey(dave, f.bob)] = true
	f.sender.reset()

	_, err = f.engine.RequestJoin(context.Background(), dave, "dave-s1", f.bob)
	require.NoError(t, err)

	var pumped bool
	for _, e := range f.sender.forUser(f.alice) {
		if ev, ok := e.(JoinRequest); ok {
			pumped = true
			assert.Equal(t, dave, ev.UserID)
		}
	}
	assert.True(t, pumped)
}

func TestNonControllingSessionCloseKeepsCall(t *testing.T) {
	f := newCallFixture()
	f.establish(t)

	f.engine.SessionClosed(f.alice, "alice-s2")

	assert.True(t, f.engine.Busy(f.alice))
	assert.True(t, f.engine.Busy(f.bob))
}
