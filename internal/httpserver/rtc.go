package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceResponse is the /rtc/ice payload. ExpiresAt is set only when TURN REST
// credentials were minted for the response.
type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
}

// handleICE serves the ICE server list clients should hand to their
// RTCPeerConnection. With TURN REST enabled every response carries fresh
// ephemeral credentials on the TURN entries.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	resp := iceResponse{ICEServers: s.cfg.ICEServers}
	if resp.ICEServers == nil {
		resp.ICEServers = []webrtc.ICEServer{}
	}

	if s.minter != nil {
		creds, err := s.minter.MintAnonymous()
		if err != nil {
			s.log.Error("minting TURN credentials failed", "error", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential minting failed"})
			return
		}
		resp.ICEServers = withTURNCredentials(resp.ICEServers, creds.Username, creds.Credential)
		expires := creds.ExpiresAt
		resp.ExpiresAt = &expires
	}

	WriteJSON(w, http.StatusOK, resp)
}

// withTURNCredentials returns a copy of servers with username and credential
// set on every entry that carries a turn: or turns: URL. STUN-only entries
// pass through untouched.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
