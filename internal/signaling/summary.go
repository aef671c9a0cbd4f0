package signaling

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// Summarize lists the media kinds an SDP blob negotiates, e.g. "audio, video".
// It returns "unknown media" when the blob does not parse; rejecting bad SDP
// is left to the peer connection.
func Summarize(blob string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(blob)); err != nil {
		return "unknown media"
	}

	var kinds []string
	for _, m := range desc.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	if len(kinds) == 0 {
		return "no media"
	}
	return strings.Join(kinds, ", ")
}
