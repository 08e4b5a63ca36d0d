package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/duetchat/signaling-relay/internal/matchmaker"
)

// Inbound message types.
const (
	messageTypeAuthenticate = "authenticate"
	messageTypeFindMatch    = "find_match"
	messageTypeOffer        = "offer"
	messageTypeAnswer       = "answer"
	messageTypeICECandidate = "ice_candidate"
	messageTypeChat         = "message"
)

// clientMessage is the single inbound envelope. Signal payloads are kept as
// raw JSON: the relay forwards them verbatim and never interprets SDP or ICE
// contents.
type clientMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeAuthenticate:
		if m.Token == "" {
			return fmt.Errorf("authenticate message missing token")
		}
		if m.Payload != nil || m.Text != "" {
			return fmt.Errorf("authenticate message has unexpected fields")
		}
	case messageTypeFindMatch:
		if m.Token != "" || m.Payload != nil || m.Text != "" {
			return fmt.Errorf("find_match message has unexpected fields")
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
		if m.Token != "" || m.Text != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case messageTypeChat:
		if m.Text == "" {
			return fmt.Errorf("message missing text")
		}
		if m.Token != "" || m.Payload != nil {
			return fmt.Errorf("message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Outbound frames. Each frame type marshals to its own shape, so they are
// distinct structs rather than one envelope with a pile of omitempty fields.

type readyFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

type matchFoundFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	Initiator bool   `json:"initiator"`
}

type signalFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type chatFrame struct {
	Type    string                 `json:"type"`
	Message matchmaker.ChatMessage `json:"message"`
}

type partnerDisconnectedFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeServerEvent converts a matchmaker event into its wire frame. The
// event names double as wire message types, so the mapping is mostly about
// choosing the right frame shape for the payload.
func encodeServerEvent(event string, payload any) ([]byte, error) {
	switch event {
	case matchmaker.EventMatchFound:
		mf, ok := payload.(matchmaker.MatchFound)
		if !ok {
			return nil, fmt.Errorf("match_found event with payload %T", payload)
		}
		return json.Marshal(matchFoundFrame{Type: event, RoomID: mf.RoomID, Initiator: mf.Initiator})
	case matchmaker.SignalOffer, matchmaker.SignalAnswer, matchmaker.SignalICECandidate:
		raw, ok := payload.(json.RawMessage)
		if !ok {
			return nil, fmt.Errorf("%s event with payload %T", event, payload)
		}
		return json.Marshal(signalFrame{Type: event, Payload: raw})
	case matchmaker.EventMessage:
		msg, ok := payload.(matchmaker.ChatMessage)
		if !ok {
			return nil, fmt.Errorf("message event with payload %T", payload)
		}
		return json.Marshal(chatFrame{Type: event, Message: msg})
	case matchmaker.EventPartnerDisconnected:
		return json.Marshal(partnerDisconnectedFrame{Type: event})
	default:
		return nil, fmt.Errorf("unsupported server event %q", event)
	}
}
