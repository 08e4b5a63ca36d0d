package matchmaker

import "time"

// Outbound event names delivered through a connection's Sendable. Signal
// relay events reuse the inbound kind verbatim.
const (
	EventMatchFound          = "match_found"
	EventPartnerDisconnected = "partner_disconnected"
	EventMessage             = "message"
)

// Signal kinds accepted by RelaySignal.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice_candidate"
)

// MatchFound tells a client it has been paired. Exactly one side of a pairing
// receives Initiator=true and sends the first WebRTC offer; a single offer
// sender avoids glare.
type MatchFound struct {
	RoomID    string `json:"roomId"`
	Initiator bool   `json:"initiator"`
}

// ChatMessage is delivered to every room participant, including the sender.
// Clients distinguish "mine" from "partner" by comparing Sender with their
// own connection id.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}
