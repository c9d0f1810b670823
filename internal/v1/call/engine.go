// Package call arbitrates voice call rooms: who is ringing, who controls a
// call from which session, and who may join an ongoing room. The engine owns
// only in-memory state; a restart drops all rooms by design.
package call

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
	"github.com/lrcom/lrcom-server/internal/v1/store"
)

// Sender delivers events to a user's live sockets. The fabric hub
// implements it.
type Sender interface {
	ToUser(userID uuid.UUID, event any)
	ToSession(userID uuid.UUID, sessionID string, event any)
	ToUserExcept(userID uuid.UUID, exceptSessionID string, event any)
}

// Presence reports whether a user has at least one open socket.
type Presence interface {
	Online(userID uuid.UUID) bool
}

// Store is the relational surface the engine consults for call
// authorization.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*store.User, error)
	HasAnyChat(ctx context.Context, a, b uuid.UUID) (bool, error)
	HasPersonalChat(ctx context.Context, a, b uuid.UUID) (bool, error)
}

type joinEntry struct {
	userID    uuid.UUID
	username  string
	sessionID string
}

// room state. proposed means two parties where the callee has not yet
// accepted; no established call exists until accept.
type room struct {
	id         uuid.UUID
	owner      uuid.UUID
	members    map[uuid.UUID]struct{}
	proposed   bool
	callee     uuid.UUID
	queue      []joinEntry
	activeJoin *joinEntry
}

// userState is the per-user call runtime. controlling is the session id
// that initiated or accepted the call; empty while ringing in.
type userState struct {
	roomID      *uuid.UUID
	controlling string
	pendingJoin *uuid.UUID
}

// delivery is a deferred send; events are flushed after the engine lock is
// released so Sender implementations may take their own locks freely.
type delivery struct {
	user    uuid.UUID
	session string
	except  string
	event   any
}

// Engine is the process-wide call room registry. One lock guards all rooms
// and user runtimes; call operations are rare and short, so contention is
// not a concern at this scale.
type Engine struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*room
	users map[uuid.UUID]*userState

	sender   Sender
	presence Presence
	store    Store
}

func NewEngine(sender Sender, presence Presence, st Store) *Engine {
	return &Engine{
		rooms:    map[uuid.UUID]*room{},
		users:    map[uuid.UUID]*userState{},
		sender:   sender,
		presence: presence,
		store:    st,
	}
}

func (e *Engine) flush(ds []delivery) {
	for _, d := range ds {
		switch {
		case d.session != "":
			e.sender.ToSession(d.user, d.session, d.event)
		case d.except != "":
			e.sender.ToUserExcept(d.user, d.except, d.event)
		default:
			e.sender.ToUser(d.user, d.event)
		}
	}
}

// toControlling targets the user's controlling session when known, all
// sessions otherwise.
func (e *Engine) toControlling(userID uuid.UUID, event any) delivery {
	if st := e.users[userID]; st != nil && st.controlling != "" {
		return delivery{user: userID, session: st.controlling, event: event}
	}
	return delivery{user: userID, event: event}
}

func (e *Engine) stateOf(userID uuid.UUID) *userState {
	st := e.users[userID]
	if st == nil {
		st = &userState{}
		e.users[userID] = st
	}
	return st
}

func (e *Engine) clearState(userID uuid.UUID) {
	delete(e.users, userID)
}

// Busy reports whether the user is ringing or in a room. Used by the
// presence endpoint.
func (e *Engine) Busy(userID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.users[userID]
	return st != nil && st.roomID != nil
}

// Start rings calleeID from the caller's session. The caller must be idle
// and share a chat with the callee; an introverted callee additionally
// requires a personal chat. A busy callee yields ok=false/"busy" so the
// client can fall back to the join flow.
func (e *Engine) Start(ctx context.Context, callerID uuid.UUID, callerSession string, calleeID uuid.UUID) (*StartResult, error) {
	if callerID == calleeID {
		return nil, apperr.New(apperr.KindValidation, "cannot call yourself")
	}

	caller, err := e.store.GetUser(ctx, callerID)
	if err != nil {
		return nil, err
	}
	callee, err := e.store.GetUser(ctx, calleeID)
	if err != nil {
		return nil, err
	}
	shared, err := e.store.HasAnyChat(ctx, callerID, calleeID)
	if err != nil {
		return nil, err
	}
	if !shared {
		return nil, apperr.New(apperr.KindForbidden, "forbidden")
	}
	if callee.IntrovertMode {
		personal, err := e.store.HasPersonalChat(ctx, callerID, calleeID)
		if err != nil {
			return nil, err
		}
		if !personal {
			return nil, apperr.New(apperr.KindIntrovertBlock, "user does not accept calls")
		}
	}

	e.mu.Lock()
	if st := e.users[callerID]; st != nil && (st.roomID != nil || st.pendingJoin != nil) {
		e.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, "already in a call")
	}
	if !e.presence.Online(calleeID) {
		e.mu.Unlock()
		metrics.CallEvents.WithLabelValues("start", "offline").Inc()
		return &StartResult{Type: "callStartResult", OK: false, Reason: ReasonOffline}, nil
	}
	if st := e.users[calleeID]; st != nil && st.roomID != nil {
		e.mu.Unlock()
		metrics.CallEvents.WithLabelValues("start", "busy").Inc()
		return &StartResult{Type: "callStartResult", OK: false, Reason: ReasonBusy}, nil
	}
	callerState := e.stateOf(callerID)
	calleeState := e.stateOf(calleeID)

	r := &room{
		id:       uuid.New(),
		owner:    callerID,
		members:  map[uuid.UUID]struct{}{callerID: {}, calleeID: {}},
		proposed: true,
		callee:   calleeID,
	}
	e.rooms[r.id] = r
	callerState.roomID = &r.id
	callerState.controlling = callerSession
	calleeState.roomID = &r.id

	ds := []delivery{{user: calleeID, event: IncomingCall{
		Type: "incomingCall", RoomID: r.id,
		FromUserID: callerID, FromUsername: caller.Username,
	}}}
	e.mu.Unlock()
	e.flush(ds)

	metrics.ActiveRooms.Inc()
	metrics.CallEvents.WithLabelValues("start", "ok").Inc()
	roomID := r.id
	return &StartResult{Type: "callStartResult", OK: true, RoomID: &roomID}, nil
}

// Accept claims the call for this session. Valid only while the user has no
// controlling session yet.
func (e *Engine) Accept(userID uuid.UUID, sessionID string) error {
	e.mu.Lock()
	st := e.users[userID]
	if st == nil || st.roomID == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no incoming call")
	}
	r := e.rooms[*st.roomID]
	if r == nil {
		e.clearState(userID)
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no incoming call")
	}
	if st.controlling != "" {
		e.mu.Unlock()
		return apperr.New(apperr.KindConflict, "call already controlled by another session")
	}

	st.controlling = sessionID
	r.proposed = false

	var ds []delivery
	ds = append(ds, delivery{user: userID, except: sessionID, event: IncomingCallCancelled{
		Type: "incomingCallCancelled", RoomID: r.id, Reason: ReasonAcceptedElsewhere,
	}})
	var peers []uuid.UUID
	for member := range r.members {
		if member == userID {
			continue
		}
		peers = append(peers, member)
		ds = append(ds, e.toControlling(member, RoomPeerJoined{
			Type: "roomPeerJoined", RoomID: r.id, UserID: userID,
		}))
	}
	ds = append(ds, delivery{user: userID, session: sessionID, event: RoomPeers{
		Type: "roomPeers", RoomID: r.id, Peers: peers,
	}})
	e.mu.Unlock()
	e.flush(ds)

	metrics.CallEvents.WithLabelValues("accept", "ok").Inc()
	return nil
}

// Reject declines a ringing call. A two-party proposed room dissolves
// silently; in an established room only the rejecting party is removed.
func (e *Engine) Reject(userID uuid.UUID, sessionID string) error {
	e.mu.Lock()
	st := e.users[userID]
	if st == nil || st.roomID == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no incoming call")
	}
	r := e.rooms[*st.roomID]
	if r == nil {
		e.clearState(userID)
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no incoming call")
	}

	var ds []delivery
	ds = append(ds, delivery{user: userID, except: sessionID, event: IncomingCallCancelled{
		Type: "incomingCallCancelled", RoomID: r.id, Reason: ReasonRejectedElsewhere,
	}})

	if r.proposed {
		// No established call to end; tell the caller their ring was
		// declined and drop the room.
		for member := range r.members {
			if member != userID {
				ds = append(ds, delivery{user: member, event: CallRejected{
					Type: "callRejected", RoomID: r.id,
				}})
			}
		}
		ds = append(ds, e.dissolveLocked(r)...)
	} else {
		ds = append(ds, e.removeMemberLocked(r, userID)...)
	}
	e.mu.Unlock()
	e.flush(ds)

	metrics.CallEvents.WithLabelValues("reject", "ok").Inc()
	return nil
}

// Hangup leaves the call. Before the callee accepts it cancels the ring;
// afterwards it is a normal leave, dissolving the room when one member
// remains.
func (e *Engine) Hangup(userID uuid.UUID, sessionID string) error {
	e.mu.Lock()
	ds, err := e.hangupLocked(userID, sessionID, true)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.flush(ds)
	metrics.CallEvents.WithLabelValues("hangup", "ok").Inc()
	return nil
}

func (e *Engine) hangupLocked(userID uuid.UUID, sessionID string, notifyOwnSessions bool) ([]delivery, error) {
	st := e.users[userID]
	if st == nil || st.roomID == nil {
		return nil, apperr.New(apperr.KindNotFound, "not in a call")
	}
	r := e.rooms[*st.roomID]
	if r == nil {
		e.clearState(userID)
		return nil, apperr.New(apperr.KindNotFound, "not in a call")
	}

	var ds []delivery
	if notifyOwnSessions {
		ds = append(ds, delivery{user: userID, except: sessionID, event: IncomingCallCancelled{
			Type: "incomingCallCancelled", RoomID: r.id, Reason: ReasonHangup,
		}})
	}

	if r.proposed && userID == r.owner {
		// Caller gave up before the callee accepted.
		ds = append(ds, delivery{user: r.callee, event: IncomingCallCancelled{
			Type: "incomingCallCancelled", RoomID: r.id, Reason: ReasonHangup,
		}})
		ds = append(ds, e.dissolveLocked(r)...)
		return ds, nil
	}
	if r.proposed {
		// Callee hanging up a ring is a reject.
		for member := range r.members {
			if member != userID {
				ds = append(ds, delivery{user: member, event: CallRejected{
					Type: "callRejected", RoomID: r.id,
				}})
			}
		}
		ds = append(ds, e.dissolveLocked(r)...)
		return ds, nil
	}

	ds = append(ds, e.removeMemberLocked(r, userID)...)
	return ds, nil
}

// removeMemberLocked drops one member from an established room and
// dissolves it when at most one remains.
func (e *Engine) removeMemberLocked(r *room, userID uuid.UUID) []delivery {
	delete(r.members, userID)
	e.clearState(userID)

	var ds []delivery
	for member := range r.members {
		ds = append(ds, e.toControlling(member, RoomPeerLeft{
			Type: "roomPeerLeft", RoomID: r.id, UserID: userID,
		}))
	}

	if len(r.members) <= 1 {
		for member := range r.members {
			ds = append(ds, e.toControlling(member, CallEnded{
				Type: "callEnded", RoomID: r.id, Reason: ReasonAlone,
			}))
		}
		ds = append(ds, e.dissolveLocked(r)...)
	}
	return ds
}

// dissolveLocked tears down the room, clears every member's runtime, and
// fails all queued join requests.
func (e *Engine) dissolveLocked(r *room) []delivery {
	var ds []delivery
	pending := r.queue
	if r.activeJoin != nil {
		pending = append([]joinEntry{*r.activeJoin}, pending...)
	}
	for _, j := range pending {
		if st := e.users[j.userID]; st != nil && st.pendingJoin != nil && *st.pendingJoin == r.id {
			st.pendingJoin = nil
			if st.roomID == nil {
				e.clearState(j.userID)
			}
		}
		ds = append(ds, delivery{user: j.userID, session: j.sessionID, event: JoinResult{
			Type: "callJoinResult", OK: false, Reason: ReasonEnded,
		}})
	}
	for member := range r.members {
		e.clearState(member)
	}
	delete(e.rooms, r.id)
	metrics.ActiveRooms.Dec()
	return ds
}

// RequestJoin queues the user to enter the room targetID is currently in.
func (e *Engine) RequestJoin(ctx context.Context, userID uuid.UUID, sessionID string, targetID uuid.UUID) (*JoinResult, error) {
	joiner, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	shared, err := e.store.HasAnyChat(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}
	if !shared {
		return nil, apperr.New(apperr.KindForbidden, "forbidden")
	}

	e.mu.Lock()
	if st := e.users[userID]; st != nil && (st.roomID != nil || st.pendingJoin != nil) {
		e.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict, "already in a call")
	}
	target := e.users[targetID]
	if target == nil || target.roomID == nil {
		e.mu.Unlock()
		return &JoinResult{Type: "callJoinResult", OK: false, Reason: ReasonNotInCall}, nil
	}
	r := e.rooms[*target.roomID]
	if r == nil {
		e.mu.Unlock()
		return &JoinResult{Type: "callJoinResult", OK: false, Reason: ReasonNotInCall}, nil
	}

	st := e.stateOf(userID)
	r.queue = append(r.queue, joinEntry{userID: userID, username: joiner.Username, sessionID: sessionID})
	st.pendingJoin = &r.id
	ds := []delivery{{user: userID, session: sessionID, event: JoinPending{Type: "callJoinPending", RoomID: r.id}}}
	ds = append(ds, e.pumpLocked(r)...)
	e.mu.Unlock()
	e.flush(ds)

	metrics.CallEvents.WithLabelValues("join_request", "ok").Inc()
	return nil, nil
}

// pumpLocked forwards the next queued join request, at most one in flight.
// When no connected member can approve, the whole queue fails.
func (e *Engine) pumpLocked(r *room) []delivery {
	if r.activeJoin != nil || len(r.queue) == 0 {
		return nil
	}

	approver, ok := e.approverLocked(r)
	if !ok {
		var ds []delivery
		pending := r.queue
		r.queue = nil
		for _, j := range pending {
			if st := e.users[j.userID]; st != nil {
				st.pendingJoin = nil
				if st.roomID == nil {
					e.clearState(j.userID)
				}
			}
			ds = append(ds, delivery{user: j.userID, session: j.sessionID, event: JoinResult{
				Type: "callJoinResult", OK: false, Reason: ReasonNoApprover,
			}})
		}
		return ds
	}

	next := r.queue[0]
	r.queue = r.queue[1:]
	r.activeJoin = &next
	return []delivery{e.toControlling(approver, JoinRequest{
		Type: "joinRequest", RoomID: r.id, UserID: next.userID, Username: next.username,
	})}
}

// approverLocked picks who decides joins: the owner while connected,
// otherwise the first connected member.
func (e *Engine) approverLocked(r *room) (uuid.UUID, bool) {
	if _, isMember := r.members[r.owner]; isMember && e.presence.Online(r.owner) {
		return r.owner, true
	}
	for member := range r.members {
		if e.presence.Online(member) {
			r.owner = member
			return member, true
		}
	}
	return uuid.Nil, false
}

// CancelJoin withdraws a pending join request.
func (e *Engine) CancelJoin(userID uuid.UUID, sessionID string) error {
	e.mu.Lock()
	st := e.users[userID]
	if st == nil || st.pendingJoin == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no pending join")
	}
	r := e.rooms[*st.pendingJoin]
	st.pendingJoin = nil
	if st.roomID == nil {
		e.clearState(userID)
	}

	var ds []delivery
	if r != nil {
		for i, j := range r.queue {
			if j.userID == userID {
				r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
				break
			}
		}
		if r.activeJoin != nil && r.activeJoin.userID == userID {
			r.activeJoin = nil
			ds = e.pumpLocked(r)
		}
	}
	e.mu.Unlock()
	e.flush(ds)
	return nil
}

// ResolveJoin answers the outstanding join request for the approver's room.
func (e *Engine) ResolveJoin(approverID uuid.UUID, sessionID string, accept bool) error {
	e.mu.Lock()
	st := e.users[approverID]
	if st == nil || st.roomID == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "not in a call")
	}
	r := e.rooms[*st.roomID]
	if r == nil || r.activeJoin == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "no pending join request")
	}
	join := *r.activeJoin
	r.activeJoin = nil

	var ds []delivery
	if !accept {
		if js := e.users[join.userID]; js != nil {
			js.pendingJoin = nil
			if js.roomID == nil {
				e.clearState(join.userID)
			}
		}
		ds = append(ds, delivery{user: join.userID, session: join.sessionID, event: JoinResult{
			Type: "callJoinResult", OK: false, Reason: ReasonRejected,
		}})
		ds = append(ds, e.pumpLocked(r)...)
		e.mu.Unlock()
		e.flush(ds)
		metrics.CallEvents.WithLabelValues("join_reject", "ok").Inc()
		return nil
	}

	// roomPeerJoined reaches existing members before the joiner learns the
	// result, so a joiner's first signal never precedes its join on any
	// receiver.
	var peers []uuid.UUID
	for member := range r.members {
		peers = append(peers, member)
		ds = append(ds, e.toControlling(member, RoomPeerJoined{
			Type: "roomPeerJoined", RoomID: r.id, UserID: join.userID,
		}))
	}
	r.members[join.userID] = struct{}{}
	js := e.stateOf(join.userID)
	js.roomID = &r.id
	js.controlling = join.sessionID
	js.pendingJoin = nil

	roomID := r.id
	ds = append(ds, delivery{user: join.userID, session: join.sessionID, event: RoomPeers{
		Type: "roomPeers", RoomID: r.id, Peers: peers,
	}})
	ds = append(ds, delivery{user: join.userID, session: join.sessionID, event: JoinResult{
		Type: "callJoinResult", OK: true, RoomID: &roomID,
	}})
	ds = append(ds, e.pumpLocked(r)...)
	e.mu.Unlock()
	e.flush(ds)

	metrics.CallEvents.WithLabelValues("join_accept", "ok").Inc()
	return nil
}

// Relay forwards a WebRTC envelope to another member of the same room. Only
// the controlling session may signal; the payload is not inspected.
func (e *Engine) Relay(fromID uuid.UUID, sessionID string, toID uuid.UUID, payload json.RawMessage) error {
	e.mu.Lock()
	st := e.users[fromID]
	if st == nil || st.roomID == nil || st.controlling != sessionID {
		e.mu.Unlock()
		return apperr.New(apperr.KindForbidden, "forbidden")
	}
	r := e.rooms[*st.roomID]
	if r == nil {
		e.mu.Unlock()
		return apperr.New(apperr.KindForbidden, "forbidden")
	}
	if _, ok := r.members[toID]; !ok {
		e.mu.Unlock()
		return apperr.New(apperr.KindForbidden, "forbidden")
	}
	d := e.toControlling(toID, Signal{Type: "signal", From: fromID, Payload: payload})
	e.mu.Unlock()
	e.flush([]delivery{d})
	return nil
}

// UserOffline clears the user's call runtime once their last socket closes.
// A ringing callee going offline dissolves the proposed room; an in-call
// user leaves it.
func (e *Engine) UserOffline(userID uuid.UUID) {
	e.mu.Lock()
	st := e.users[userID]
	if st == nil {
		e.mu.Unlock()
		return
	}
	var ds []delivery
	if st.roomID != nil {
		if left, err := e.hangupLocked(userID, "", false); err == nil {
			ds = left
		}
	}
	e.clearState(userID)
	e.mu.Unlock()
	e.flush(ds)
}

// SessionClosed reacts to a socket close: a controlling session leaves its
// room, a pending-join session withdraws its request.
func (e *Engine) SessionClosed(userID uuid.UUID, sessionID string) {
	e.mu.Lock()
	st := e.users[userID]
	if st == nil {
		e.mu.Unlock()
		return
	}

	var ds []delivery
	if st.pendingJoin != nil {
		if r := e.rooms[*st.pendingJoin]; r != nil {
			matches := func(j joinEntry) bool { return j.userID == userID && j.sessionID == sessionID }
			for i, j := range r.queue {
				if matches(j) {
					r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
					st.pendingJoin = nil
					break
				}
			}
			if r.activeJoin != nil && matches(*r.activeJoin) {
				r.activeJoin = nil
				st.pendingJoin = nil
				ds = append(ds, e.pumpLocked(r)...)
			}
		} else {
			st.pendingJoin = nil
		}
	}

	if st.roomID != nil && st.controlling == sessionID {
		left, err := e.hangupLocked(userID, sessionID, false)
		if err == nil {
			ds = append(ds, left...)
		}
	} else if st.roomID == nil && st.pendingJoin == nil {
		e.clearState(userID)
	}
	e.mu.Unlock()
	e.flush(ds)
}
