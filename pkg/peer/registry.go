package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/store"
	"github.com/cuemby/brickd/pkg/types"
)

// Registry owns the set of known peers. One lock covers the UUID table
// and the hostname index; state machine events are applied under it.
type Registry struct {
	mu     sync.Mutex
	byUUID map[types.PeerID]*types.Peer
	byHost map[string]*types.Peer

	store  *store.Store
	broker *events.Broker
}

// NewRegistry creates a registry persisting through st and publishing
// peer events on broker (either may be nil in tests).
func NewRegistry(st *store.Store, broker *events.Broker) *Registry {
	return &Registry{
		byUUID: make(map[types.PeerID]*types.Peer),
		byHost: make(map[string]*types.Peer),
		store:  st,
		broker: broker,
	}
}

// Restore loads peers recovered from disk at start-up.
func (r *Registry) Restore(peers []*types.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peers {
		r.byUUID[p.UUID] = p
		r.byHost[p.PrimaryHostname] = p
		for _, h := range p.Hostnames {
			r.byHost[h] = p
		}
	}
}

// Probe creates a peer record for host in probe-sent state. The UUID stays
// empty until the first hello exchange fills it in. Probing a host already
// in the pool returns the existing record and no action.
func (r *Registry) Probe(host string) (*types.Peer, Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byHost[host]; ok {
		return p, ActionNone, nil
	}

	p := &types.Peer{
		PrimaryHostname: host,
		Conn:            types.ConnConnecting,
		Friend:          types.FriendDefault,
	}
	p.SetCreatedAt(time.Now())

	action, err := Apply(p, types.EventProbe)
	if err != nil {
		return nil, ActionNone, err
	}
	r.byHost[host] = p
	r.publish(events.EventPeerProbed, p, "probe sent to "+host)
	return p, action, nil
}

// SetUUID fills in a peer's UUID on the first successful hello exchange.
// The UUID is immutable once set.
func (r *Registry) SetUUID(p *types.Peer, id types.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.UUID != "" && p.UUID != id {
		return fmt.Errorf("peer %s: uuid already set to %s, refusing %s", p.PrimaryHostname, p.UUID, id)
	}
	if other, ok := r.byUUID[id]; ok && other != p {
		return fmt.Errorf("uuid %s already belongs to peer %s", id, other.PrimaryHostname)
	}
	p.UUID = id
	r.byUUID[id] = p
	return nil
}

// AddPeer inserts a fully-formed peer record (used when handling an
// inbound probe, where the remote tells us its UUID up front).
func (r *Registry) AddPeer(id types.PeerID, host string) (*types.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUUID[id]; ok {
		return nil, fmt.Errorf("peer %s already known", id)
	}
	p := &types.Peer{
		UUID:            id,
		PrimaryHostname: host,
		Conn:            types.ConnConnected,
		Friend:          types.FriendDefault,
	}
	p.SetCreatedAt(time.Now())
	r.byUUID[id] = p
	r.byHost[host] = p
	return p, nil
}

// Lookup finds a peer by UUID or by any of its hostnames.
func (r *Registry) Lookup(uuidOrHost string) *types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := uuid.Parse(uuidOrHost); err == nil {
		if p, ok := r.byUUID[types.PeerID(uuidOrHost)]; ok {
			return p
		}
	}
	return r.byHost[uuidOrHost]
}

// IterBefriended returns every peer currently in the befriended state.
func (r *Registry) IterBefriended() []*types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Peer
	for _, p := range r.byUUID {
		if p.Friend == types.FriendBefriended {
			out = append(out, p)
		}
	}
	return out
}

// All returns every peer with a known UUID.
func (r *Registry) All() []*types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Peer, 0, len(r.byUUID))
	for _, p := range r.byUUID {
		out = append(out, p)
	}
	return out
}

// ConnectedBefriended returns the befriended peers whose connection is up,
// the set an operation fans out to.
func (r *Registry) ConnectedBefriended() []*types.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Peer
	for _, p := range r.byUUID {
		if p.Friend == types.FriendBefriended && p.Conn == types.ConnConnected {
			out = append(out, p)
		}
	}
	return out
}

// AddHostname records an additional name for a peer and indexes it.
func (r *Registry) AddHostname(p *types.Peer, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range p.Hostnames {
		if h == host {
			return
		}
	}
	p.Hostnames = append(p.Hostnames, host)
	r.byHost[host] = p
}

// Event applies one state machine event to a peer under the registry
// lock, persists the record, and runs registry-side actions (deletion).
// The action is returned so the caller can run RPC side effects outside
// the lock.
func (r *Registry) Event(p *types.Peer, ev types.PeerEvent) (Action, error) {
	r.mu.Lock()
	action, err := Apply(p, ev)
	if err != nil {
		r.mu.Unlock()
		return ActionNone, err
	}

	if action == ActionDeletePeer {
		delete(r.byUUID, p.UUID)
		delete(r.byHost, p.PrimaryHostname)
		for _, h := range p.Hostnames {
			delete(r.byHost, h)
		}
	}
	r.mu.Unlock()

	logger := log.WithPeerID(string(p.UUID))
	logger.Debug().
		Str("event", string(ev)).
		Str("state", string(p.Friend)).
		Msg("peer state machine advanced")

	if r.store != nil {
		var serr error
		if action == ActionDeletePeer {
			serr = r.store.DeletePeer(p.UUID)
		} else if p.UUID != "" {
			serr = r.store.SavePeer(p)
		}
		if serr != nil {
			return action, fmt.Errorf("persist peer %s: %w", p.UUID, serr)
		}
	}

	switch {
	case action == ActionDeletePeer:
		r.publish(events.EventPeerRemoved, p, "peer removed from pool")
	case p.Friend == types.FriendBefriended:
		r.publish(events.EventPeerBefriended, p, "peer befriended")
	case p.Friend == types.FriendRejected:
		r.publish(events.EventPeerRejected, p, "peer rejected")
	case ev == types.EventDisconnect:
		r.publish(events.EventPeerDisconnected, p, "peer disconnected")
	}
	return action, nil
}

// Detach removes a peer from the pool. Force skips the unfriend handshake
// and deletes the record outright.
func (r *Registry) Detach(uuidOrHost string, force bool) (*types.Peer, Action, error) {
	p := r.Lookup(uuidOrHost)
	if p == nil {
		return nil, ActionNone, fmt.Errorf("peer %s not found", uuidOrHost)
	}
	if force {
		action, err := r.Event(p, types.EventRemove)
		if err != nil {
			// Not every state has a remove edge; delete directly.
			r.mu.Lock()
			delete(r.byUUID, p.UUID)
			delete(r.byHost, p.PrimaryHostname)
			for _, h := range p.Hostnames {
				delete(r.byHost, h)
			}
			r.mu.Unlock()
			if r.store != nil {
				_ = r.store.DeletePeer(p.UUID)
			}
			return p, ActionDeletePeer, nil
		}
		return p, action, nil
	}
	action, err := r.Event(p, types.EventProbeUnfriend)
	return p, action, err
}

// Count returns the number of known peers (by hostname, so probes without
// a UUID yet are included).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHost)
}

func (r *Registry) publish(typ events.EventType, p *types.Peer, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:    typ,
		Message: msg,
		Metadata: map[string]string{
			"uuid":     string(p.UUID),
			"hostname": p.PrimaryHostname,
			"state":    string(p.Friend),
		},
	})
}
