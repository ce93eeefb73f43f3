package opsm

import (
	"sync"
	"time"

	"github.com/cuemby/brickd/pkg/types"
)

// fsmLog is the bounded circular transition log read through
// StateMachine.FsmLog. No RPC in pkg/rpc exposes it.
type fsmLog struct {
	mu      sync.Mutex
	entries []types.Transition
	size    int
}

func newFSMLog(size int) *fsmLog {
	if size <= 0 {
		size = types.DefaultTransitionLogSize
	}
	return &fsmLog{size: size}
}

func (l *fsmLog) record(old, event, next string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, types.Transition{
		OldState: old,
		Event:    event,
		NewState: next,
		At:       time.Now(),
	})
	if len(l.entries) > l.size {
		l.entries = l.entries[len(l.entries)-l.size:]
	}
}

// Entries returns a copy of the log, oldest first.
func (l *fsmLog) Entries() []types.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Transition(nil), l.entries...)
}
