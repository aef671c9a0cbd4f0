// Package signaling is the manual relay boundary: it turns offers, answers and
// ICE candidates into copy-pasteable text and back, and optionally publishes
// that text to the clipboard or a WebSocket pipe.
package signaling

import "github.com/pion/webrtc/v4"

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// Message is a tagged union: exactly one of Description or Candidate is set,
// matching Kind.
type Message struct {
	Kind        Kind
	Description *webrtc.SessionDescription // KindOffer, KindAnswer
	Candidate   *webrtc.ICECandidateInit   // KindCandidate
}

// DescriptionMessage wraps an offer or answer.
func DescriptionMessage(desc webrtc.SessionDescription) Message {
	kind := KindOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		kind = KindAnswer
	}
	return Message{Kind: kind, Description: &desc}
}

// CandidateMessage wraps a reachability candidate.
func CandidateMessage(c webrtc.ICECandidateInit) Message {
	return Message{Kind: KindCandidate, Candidate: &c}
}
