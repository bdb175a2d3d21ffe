// Package ice builds the ICE server list advertised to call participants.
// The service never terminates media itself; clients hand these servers to
// their own RTCPeerConnection.
package ice

import (
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// Config is the operator-supplied ICE configuration. TURN URLs share one
// long-term credential.
type Config struct {
	URLs       []string
	Username   string
	Credential string
}

// ParseList splits a comma-separated list of ICE URLs, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Servers validates cfg and groups its URLs into pion ICE servers: one
// credential-less entry for STUN and one authenticated entry for TURN.
func Servers(cfg Config) ([]webrtc.ICEServer, error) {
	var stunURLs, turnURLs []string
	for _, raw := range cfg.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("ice url %q: %w", raw, err)
		}
		switch uri.Scheme {
		case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
			stunURLs = append(stunURLs, raw)
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			turnURLs = append(turnURLs, raw)
		default:
			return nil, fmt.Errorf("ice url %q: unsupported scheme", raw)
		}
	}

	servers := make([]webrtc.ICEServer, 0, 2)
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		if cfg.Username == "" || cfg.Credential == "" {
			return nil, fmt.Errorf("turn servers configured without credentials")
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   cfg.Username,
			Credential: cfg.Credential,
		})
	}
	return servers, nil
}
