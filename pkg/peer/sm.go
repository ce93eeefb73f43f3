package peer

import (
	"fmt"
	"time"

	"github.com/cuemby/brickd/pkg/types"
)

// Action is a side effect a transition asks the caller to perform after
// the state change is applied: send an RPC, persist the record, drop it.
type Action int

const (
	ActionNone Action = iota
	// ActionSendProbe sends the initial probe RPC to the peer.
	ActionSendProbe
	// ActionSendFriendReq sends the befriend request after a probe reply.
	ActionSendFriendReq
	// ActionSendFriendAck acknowledges an inbound befriend request.
	ActionSendFriendAck
	// ActionGossipVolumes pushes our volume snapshots to the peer.
	ActionGossipVolumes
	// ActionSendUnfriend sends the detach notification.
	ActionSendUnfriend
	// ActionDeletePeer removes the peer record entirely.
	ActionDeletePeer
)

// transition is one edge of the friendship state machine.
type transition struct {
	next   types.FriendState
	action Action
}

// smTable is the explicit (state, event) -> (state, action) table. An
// absent entry means the event is invalid in that state.
var smTable = map[types.FriendState]map[types.PeerEvent]transition{
	types.FriendDefault: {
		types.EventProbe:          {types.FriendProbeSent, ActionSendProbe},
		types.EventProbeRecv:      {types.FriendProbeReceived, ActionNone},
		types.EventInitFriendship: {types.FriendProbeSent, ActionSendFriendReq},
	},
	types.FriendProbeSent: {
		types.EventAccept:     {types.FriendBefriendAccepted, ActionSendFriendReq},
		types.EventReject:     {types.FriendRejected, ActionNone},
		types.EventConnect:    {types.FriendProbeSent, ActionSendProbe},
		types.EventDisconnect: {types.FriendProbeSent, ActionNone},
		types.EventRemove:     {types.FriendDefault, ActionDeletePeer},
	},
	types.FriendProbeReceived: {
		types.EventInitFriendship: {types.FriendBefriendAccepted, ActionSendFriendAck},
		types.EventAccept:         {types.FriendBefriendAccepted, ActionSendFriendAck},
		types.EventReject:         {types.FriendRejected, ActionNone},
		types.EventRemove:         {types.FriendDefault, ActionDeletePeer},
	},
	types.FriendBefriendAccepted: {
		types.EventUpdate:     {types.FriendBefriended, ActionGossipVolumes},
		types.EventAccept:     {types.FriendBefriended, ActionGossipVolumes},
		types.EventReject:     {types.FriendRejected, ActionNone},
		types.EventDisconnect: {types.FriendBefriendAccepted, ActionNone},
	},
	types.FriendBefriended: {
		// A lost connection does not end the friendship; only the
		// connection flag flips. Reconnection re-gossips volumes.
		types.EventDisconnect:    {types.FriendBefriended, ActionNone},
		types.EventConnect:       {types.FriendBefriended, ActionGossipVolumes},
		types.EventUpdate:        {types.FriendBefriended, ActionNone},
		types.EventNewName:       {types.FriendBefriended, ActionNone},
		types.EventProbeUnfriend: {types.FriendUnfriendSent, ActionSendUnfriend},
	},
	types.FriendUnfriendSent: {
		types.EventAccept: {types.FriendDefault, ActionDeletePeer},
		types.EventRemove: {types.FriendDefault, ActionDeletePeer},
		// The peer is already half gone; a drop completes the detach.
		types.EventDisconnect: {types.FriendDefault, ActionDeletePeer},
	},
	types.FriendRejected: {
		types.EventProbe:  {types.FriendProbeSent, ActionSendProbe},
		types.EventRemove: {types.FriendDefault, ActionDeletePeer},
	},
}

// Apply advances the peer through one state machine event. The transition
// is recorded in the peer's bounded log; the returned action tells the
// caller what side effect to run. Connection events additionally flip the
// peer's connection status.
func Apply(p *types.Peer, event types.PeerEvent) (Action, error) {
	edges, ok := smTable[p.Friend]
	if !ok {
		return ActionNone, fmt.Errorf("peer %s: no transitions from state %s", p.UUID, p.Friend)
	}
	tr, ok := edges[event]
	if !ok {
		return ActionNone, fmt.Errorf("peer %s: event %s invalid in state %s", p.UUID, event, p.Friend)
	}

	old := p.Friend
	p.Friend = tr.next
	switch event {
	case types.EventConnect:
		p.Conn = types.ConnConnected
	case types.EventDisconnect:
		p.Conn = types.ConnDisconnected
	}
	appendTransition(p, old, event, tr.next)
	return tr.action, nil
}

// appendTransition records one edge in the peer's circular transition log,
// evicting the oldest entry past the bound.
func appendTransition(p *types.Peer, old types.FriendState, ev types.PeerEvent, next types.FriendState) {
	p.TransitionLog = append(p.TransitionLog, types.Transition{
		OldState: string(old),
		Event:    string(ev),
		NewState: string(next),
		At:       time.Now(),
	})
	if len(p.TransitionLog) > types.DefaultTransitionLogSize {
		p.TransitionLog = p.TransitionLog[len(p.TransitionLog)-types.DefaultTransitionLogSize:]
	}
}
