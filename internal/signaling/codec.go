package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrParse is returned for pasted text that is not a recognizable message.
var ErrParse = errors.New("signaling parse error")

// descriptionJSON is the canonical description encoding, the same shape a
// browser produces for JSON.stringify(pc.localDescription).
type descriptionJSON struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Encode serializes a message into single-line JSON text for manual relay.
func Encode(msg Message) (string, error) {
	var v any
	switch msg.Kind {
	case KindOffer, KindAnswer:
		if msg.Description == nil {
			return "", fmt.Errorf("encode %s: missing description", msg.Kind)
		}
		v = descriptionJSON{Type: string(msg.Kind), SDP: msg.Description.SDP}
	case KindCandidate:
		if msg.Candidate == nil {
			return "", errors.New("encode candidate: missing candidate")
		}
		v = msg.Candidate
	default:
		return "", fmt.Errorf("encode: unknown message kind %q", msg.Kind)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return string(data), nil
}

// Parse decodes pasted text into a message. The kind is chosen by shape:
// a "type" of offer/answer means a session description, a "candidate" field
// means an ICE candidate. Anything else fails with ErrParse.
func Parse(text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty input", ErrParse)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	if sdpType, ok := descriptionType(fields["type"]); ok {
		return parseDescription(sdpType, fields)
	}
	if _, ok := fields["candidate"]; ok {
		return parseCandidate(text)
	}
	if _, ok := fields["type"]; ok {
		return Message{}, fmt.Errorf("%w: \"type\" is neither offer nor answer", ErrParse)
	}
	return Message{}, fmt.Errorf("%w: neither \"type\" nor \"candidate\" present", ErrParse)
}

// descriptionType reports whether raw is the JSON string "offer" or "answer".
// Other "type" values fall through to the candidate check.
func descriptionType(raw json.RawMessage) (webrtc.SDPType, bool) {
	var typ string
	if raw == nil || json.Unmarshal(raw, &typ) != nil {
		return 0, false
	}
	switch Kind(typ) {
	case KindOffer:
		return webrtc.SDPTypeOffer, true
	case KindAnswer:
		return webrtc.SDPTypeAnswer, true
	}
	return 0, false
}

func parseDescription(sdpType webrtc.SDPType, fields map[string]json.RawMessage) (Message, error) {
	typ := sdpType.String()

	var sdp string
	if raw, ok := fields["sdp"]; ok {
		if err := json.Unmarshal(raw, &sdp); err != nil {
			return Message{}, fmt.Errorf("%w: \"sdp\" is not a string", ErrParse)
		}
	}
	if strings.TrimSpace(sdp) == "" {
		return Message{}, fmt.Errorf("%w: %s has no sdp", ErrParse, typ)
	}

	return DescriptionMessage(webrtc.SessionDescription{Type: sdpType, SDP: sdp}), nil
}

func parseCandidate(text string) (Message, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	// An empty candidate is the browser's end-of-candidates marker; it is never relayed.
	if strings.TrimSpace(c.Candidate) == "" {
		return Message{}, fmt.Errorf("%w: empty candidate", ErrParse)
	}
	return CandidateMessage(c), nil
}
