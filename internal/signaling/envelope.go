package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Kind tags a signaling envelope. The relay dispatches on the kind and never
// looks inside the payload fields.
type Kind string

const (
	// Client-originated kinds.
	KindBroadcasterJoin Kind = "broadcaster-join"
	KindViewerJoin      Kind = "viewer-join"
	KindOffer           Kind = "offer"
	KindAnswer          Kind = "answer"
	KindCandidate       Kind = "candidate"

	// Relay-originated kinds. Inbound envelopes carrying these are rejected.
	KindViewerJoined Kind = "viewer-joined"
	KindViewerLeft   Kind = "viewer-left"
	KindStreamEnded  Kind = "stream-ended"
)

// Envelope is the message unit exchanged between participants and the relay.
//
// Offer/Answer/Candidate are opaque: they are forwarded verbatim and never
// validated or transformed. From is set (or overwritten) by the relay with the
// sender's connection ID on every forwarded envelope.
type Envelope struct {
	Type      Kind            `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      string          `json:"from,omitempty"`
}

// ParseEnvelope decodes and validates one inbound envelope.
//
// Room ID presence is not checked here: connections whose transport path
// carries the room identity may send joins without a roomId field, so the
// router enforces that after merging in the path-derived value.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.validateInbound(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validateInbound() error {
	switch e.Type {
	case KindBroadcasterJoin, KindViewerJoin:
		if e.Offer != nil || e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("%s envelope has unexpected payload fields", e.Type)
		}
	case KindOffer:
		if e.Offer == nil {
			return fmt.Errorf("offer envelope missing offer")
		}
		if e.Answer != nil || e.Candidate != nil {
			return fmt.Errorf("offer envelope has unexpected payload fields")
		}
	case KindAnswer:
		if e.Answer == nil {
			return fmt.Errorf("answer envelope missing answer")
		}
		if e.Offer != nil || e.Candidate != nil {
			return fmt.Errorf("answer envelope has unexpected payload fields")
		}
	case KindCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("candidate envelope missing candidate")
		}
		if e.Offer != nil || e.Answer != nil {
			return fmt.Errorf("candidate envelope has unexpected payload fields")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

func (e Envelope) isJoin() bool {
	return e.Type == KindBroadcasterJoin || e.Type == KindViewerJoin
}
