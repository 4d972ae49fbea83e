// Package peerconn adapts a pion PeerConnection to the negotiation
// machine's transport boundary. The demo client uses it to run a real
// peer; the server never opens peer connections itself.
package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// Tracks are local media tracks offered to the partner. Optional; with
	// none set a data channel keeps ICE negotiation alive.
	Tracks []webrtc.TrackLocal
	Logger *slog.Logger
}

// PeerConn owns one pion PeerConnection for one pairing. It is not reusable;
// after Close a new pairing needs a new PeerConn.
type PeerConn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onConnected func()
	closed      bool
}

func New(cfg Config) (*PeerConn, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(log)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &PeerConn{pc: pc, log: log}

	for _, track := range cfg.Tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}
	if len(cfg.Tracks) == 0 {
		// Without media the SDP needs at least one section to negotiate.
		if _, err := pc.CreateDataChannel("keepalive", nil); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(raw)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		if state != webrtc.PeerConnectionStateConnected {
			return
		}
		p.mu.Lock()
		fn := p.onConnected
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	return p, nil
}

// CreateOffer returns the local offer without waiting for ICE gathering;
// candidates trickle through OnICECandidate.
func (p *PeerConn) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *PeerConn) CreateAnswer(_ context.Context, offer string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *PeerConn) AcceptAnswer(_ context.Context, answer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (p *PeerConn) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *PeerConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConn) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *PeerConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.onCandidate = nil
	p.onConnected = nil
	p.mu.Unlock()
	return p.pc.Close()
}
