// Package matchmaker owns the waiting queue and the room table. It pairs
// searching connections into rooms, relays signaling and chat events between
// the two members of a room, and tears state down on disconnect.
//
// All queue and room mutation is funneled through a single Manager instance
// under one mutex, so a connection id is never in the waiting queue and a
// room at the same time. Transports are resolved through the registry at send
// time; the manager never holds a transport handle across calls.
package matchmaker

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetchat/signaling-relay/internal/metrics"
	"github.com/duetchat/signaling-relay/internal/registry"
)

const defaultRetryLimit = 10

type room struct {
	id           string
	participants [2]string
}

func (r *room) other(id string) string {
	if r.participants[0] == id {
		return r.participants[1]
	}
	return r.participants[0]
}

// Options configures a Manager. Zero values select production defaults; the
// function fields exist so tests can pin coin flips, message ids, and time.
type Options struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// RetryLimit bounds how many stale waiting-queue entries one pairing
	// attempt may discard before giving up.
	RetryLimit int

	CoinFlip     func() bool
	Now          func() time.Time
	NewMessageID func() string
}

type Manager struct {
	reg        *registry.Registry
	log        *slog.Logger
	metrics    *metrics.Metrics
	retryLimit int

	coinFlip     func() bool
	now          func() time.Time
	newMessageID func() string

	mu         sync.Mutex
	waiting    []string         // LIFO: pairing pops from the tail
	rooms      map[string]*room // room id -> room
	roomByConn map[string]string
}

func New(reg *registry.Registry, opts Options) *Manager {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}
	coinFlip := opts.CoinFlip
	if coinFlip == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var rngMu sync.Mutex
		coinFlip = func() bool {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Intn(2) == 0
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newMessageID := opts.NewMessageID
	if newMessageID == nil {
		newMessageID = uuid.NewString
	}

	return &Manager{
		reg:          reg,
		log:          log,
		metrics:      m,
		retryLimit:   retryLimit,
		coinFlip:     coinFlip,
		now:          now,
		newMessageID: newMessageID,
		rooms:        make(map[string]*room),
		roomByConn:   make(map[string]string),
	}
}

// FindMatch pairs requesterID with the most recently enqueued waiting
// connection, or enqueues it when no live partner is available. Calls from a
// connection that is already paired or already waiting are no-ops.
func (m *Manager) FindMatch(requesterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if roomID, ok := m.roomByConn[requesterID]; ok {
		m.log.Debug("find_match ignored: already paired", "conn_id", requesterID, "room_id", roomID)
		return
	}
	if m.waitingIndexLocked(requesterID) >= 0 {
		m.log.Debug("find_match ignored: already waiting", "conn_id", requesterID)
		return
	}

	requester, ok := m.reg.Resolve(requesterID)
	if !ok {
		// Raced with the requester's own disconnect.
		return
	}

	partnerID, partner := m.popLivePartnerLocked()
	if partner == nil {
		m.waiting = append(m.waiting, requesterID)
		m.metrics.Inc(metrics.WaitingEnqueued)
		m.log.Debug("enqueued for matching", "conn_id", requesterID, "waiting", len(m.waiting))
		return
	}

	roomID := requesterID + "-" + partnerID
	rm := &room{id: roomID, participants: [2]string{requesterID, partnerID}}
	m.rooms[roomID] = rm
	m.roomByConn[requesterID] = roomID
	m.roomByConn[partnerID] = roomID

	initiator := m.coinFlip()
	_ = requester.Send(EventMatchFound, MatchFound{RoomID: roomID, Initiator: initiator})
	_ = partner.Send(EventMatchFound, MatchFound{RoomID: roomID, Initiator: !initiator})

	m.metrics.Inc(metrics.MatchesMade)
	m.log.Info("match made", "room_id", roomID, "conn_id", requesterID, "partner_id", partnerID)
}

// popLivePartnerLocked pops waiting entries from the tail until it finds one
// whose transport still resolves, discarding stale ids up to the retry limit.
func (m *Manager) popLivePartnerLocked() (string, registry.Sendable) {
	for attempts := 0; attempts < m.retryLimit && len(m.waiting) > 0; attempts++ {
		candidate := m.waiting[len(m.waiting)-1]
		m.waiting = m.waiting[:len(m.waiting)-1]

		if transport, ok := m.reg.Resolve(candidate); ok {
			return candidate, transport
		}
		m.metrics.Inc(metrics.StaleQueueSkipped)
		m.log.Debug("discarded stale waiting entry", "conn_id", candidate)
	}
	return "", nil
}

// RelaySignal forwards a signaling payload from senderID to the other member
// of its room, verbatim and under the same event kind. A sender that is not
// in a room is a race with disconnect, not an error: the payload is dropped
// silently.
func (m *Manager) RelaySignal(senderID, kind string, payload any) error {
	switch kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.roomOfLocked(senderID)
	if !ok {
		m.metrics.Inc(metrics.SignalsDropped)
		m.log.Debug("signal dropped: sender not in a room", "conn_id", senderID, "kind", kind)
		return nil
	}

	peer, ok := m.reg.Resolve(rm.other(senderID))
	if !ok {
		m.metrics.Inc(metrics.SignalsDropped)
		return nil
	}

	_ = peer.Send(kind, payload)
	m.metrics.Inc(metrics.SignalsRelayed)
	return nil
}

// RelayChat builds a message record and delivers it to all participants of
// the sender's room, sender included. Not being in a room drops the message
// silently, mirroring RelaySignal.
func (m *Manager) RelayChat(senderID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.roomOfLocked(senderID)
	if !ok {
		m.log.Debug("chat dropped: sender not in a room", "conn_id", senderID)
		return
	}

	msg := ChatMessage{
		ID:        m.newMessageID(),
		Text:      text,
		Sender:    senderID,
		Timestamp: m.now().UTC(),
	}
	for _, id := range rm.participants {
		if transport, ok := m.reg.Resolve(id); ok {
			_ = transport.Send(EventMessage, msg)
		}
	}
	m.metrics.Inc(metrics.ChatMessages)
}

// Disconnect runs the full cleanup for id: waiting-queue removal, room
// teardown with partner notification, and registry unregistration. It always
// executes all steps and is safe to call more than once.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()

	if i := m.waitingIndexLocked(id); i >= 0 {
		m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
	}

	if roomID, ok := m.roomByConn[id]; ok {
		rm := m.rooms[roomID]
		peerID := rm.other(id)
		delete(m.roomByConn, id)
		delete(m.roomByConn, peerID)
		delete(m.rooms, roomID)

		// No 1-participant room survives cleanup: the remaining member is
		// informed and must call find_match again to search.
		if peer, ok := m.reg.Resolve(peerID); ok {
			_ = peer.Send(EventPartnerDisconnected, nil)
			m.metrics.Inc(metrics.PartnerDisconnects)
		}
		m.log.Info("room destroyed", "room_id", roomID, "conn_id", id, "peer_id", peerID)
	}

	m.mu.Unlock()

	// Unconditional, after queue/room cleanup.
	m.reg.Unregister(id)
}

func (m *Manager) roomOfLocked(id string) (*room, bool) {
	roomID, ok := m.roomByConn[id]
	if !ok {
		return nil, false
	}
	return m.rooms[roomID], true
}

func (m *Manager) waitingIndexLocked(id string) int {
	for i, w := range m.waiting {
		if w == id {
			return i
		}
	}
	return -1
}

// WaitingCount reports the number of queued connections.
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// RoomCount reports the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// RoomOf returns the room id containing id, if any.
func (m *Manager) RoomOf(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.roomByConn[id]
	return roomID, ok
}

// IsWaiting reports whether id is queued.
func (m *Manager) IsWaiting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitingIndexLocked(id) >= 0
}
