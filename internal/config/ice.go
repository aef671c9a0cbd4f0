package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	EnvICEServersJSON = "P2PCALL_ICE_SERVERS_JSON"
	EnvSTUNURLs       = "P2PCALL_STUN_URLS"
)

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both "urls": "stun:..." and "urls": ["stun:..."],
// as browsers do.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := cleanURLs(server.URLs)
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice server %d: no urls", i)
		}
		if err := validateURLs(urls); err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		out = append(out, webrtc.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(server.Username),
			Credential: strings.TrimSpace(server.Credential),
		})
	}
	return out, nil
}

// ParseICEServerList turns a comma-separated URL list plus optional TURN
// credentials into ICE servers. STUN URLs are grouped into one server; TURN
// URLs share the given credentials.
func ParseICEServerList(list, username, credential string) ([]webrtc.ICEServer, error) {
	urls := cleanURLs(strings.Split(list, ","))
	if len(urls) == 0 {
		return nil, nil
	}
	if err := validateURLs(urls); err != nil {
		return nil, err
	}

	var stun, turn []string
	for _, u := range urls {
		if isTURN(u) {
			turn = append(turn, u)
		} else {
			stun = append(stun, u)
		}
	}

	var out []webrtc.ICEServer
	if len(stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		if username == "" || credential == "" {
			return nil, errors.New("turn urls require -ice-username and -ice-credential")
		}
		out = append(out, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return out, nil
}

// ResolveICEServers picks ICE servers by precedence: flag list, JSON env,
// STUN env, then DefaultSTUNURLs.
func ResolveICEServers(flagList, username, credential string, getenv func(string) string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(flagList) != "" {
		return ParseICEServerList(flagList, username, credential)
	}
	if raw := strings.TrimSpace(getenv(EnvICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}
	if raw := strings.TrimSpace(getenv(EnvSTUNURLs)); raw != "" {
		servers, err := ParseICEServerList(raw, "", "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSTUNURLs, err)
		}
		return servers, nil
	}
	return []webrtc.ICEServer{{URLs: DefaultSTUNURLs}}, nil
}

func cleanURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		u = strings.TrimSpace(u)
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

func validateURLs(urls []string) error {
	for _, u := range urls {
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "stun:") && !strings.HasPrefix(lower, "stuns:") && !isTURN(u) {
			return fmt.Errorf("unsupported ice url %q", u)
		}
	}
	return nil
}

func isTURN(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:")
}
