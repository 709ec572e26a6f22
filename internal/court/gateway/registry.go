package gateway

import (
	"encoding/json"
	"sync"
)

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// registry maps a user to their current connection. A user holds at
// most one: the newest connection supersedes any previous one.
type registry struct {
	mu    sync.Mutex
	peers map[string]*wsPeer
}

func newRegistry() *registry {
	return &registry{peers: make(map[string]*wsPeer)}
}

func (r *registry) register(userID string, peer *wsPeer) {
	r.mu.Lock()
	r.peers[userID] = peer
	r.mu.Unlock()
}

// unregister drops the mapping only if this peer still owns it, so a
// stale connection's teardown never evicts its successor.
func (r *registry) unregister(userID string, peer *wsPeer) {
	r.mu.Lock()
	if r.peers[userID] == peer {
		delete(r.peers, userID)
	}
	r.mu.Unlock()
}

func (r *registry) peerFor(userID string) *wsPeer {
	r.mu.Lock()
	peer := r.peers[userID]
	r.mu.Unlock()
	return peer
}
