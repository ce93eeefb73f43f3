package opsm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/brickd/pkg/brick"
	"github.com/cuemby/brickd/pkg/events"
	"github.com/cuemby/brickd/pkg/log"
	"github.com/cuemby/brickd/pkg/metrics"
	"github.com/cuemby/brickd/pkg/peer"
	"github.com/cuemby/brickd/pkg/store"
	"github.com/cuemby/brickd/pkg/types"
	"github.com/cuemby/brickd/pkg/volfile"
	"github.com/cuemby/brickd/pkg/volume"
)

// DefaultPhaseTimeout bounds each phase's wait for peer acks.
const DefaultPhaseTimeout = 120 * time.Second

// PeerCaller sends one phase RPC to one peer. pkg/rpc provides the gRPC
// implementation; tests substitute fakes.
type PeerCaller interface {
	Lock(ctx context.Context, p *types.Peer, holder types.PeerID) error
	Unlock(ctx context.Context, p *types.Peer, holder types.PeerID) error
	StageOp(ctx context.Context, p *types.Peer, op types.OpKind, dict types.Dict) error
	CommitOp(ctx context.Context, p *types.Peer, op types.OpKind, dict types.Dict) error
	Gossip(ctx context.Context, p *types.Peer, from types.PeerID, snaps []peer.VolumeSnapshot) error
}

// Env is the process-wide state an operation handler works against,
// threaded explicitly rather than through globals.
type Env struct {
	SelfID   types.PeerID
	WorkDir  string
	Store    *store.Store
	Model    *volume.Model
	Peers    *peer.Registry
	Bricks   *brick.Supervisor
	Volfiles *volfile.Builder
	Broker   *events.Broker
	// Hostname is how local bricks are addressed in volume records.
	Hostname string
}

// IsLocalBrick reports whether a brick lives on this peer.
func (e *Env) IsLocalBrick(b types.Brick) bool {
	return b.Hostname == e.Hostname || b.PeerUUID == e.SelfID
}

// Handler is one operation's registered behavior. Stage validates without
// mutating; Commit mutates under the cluster lock; PostCommit runs after a
// successful commit, outside the lock.
type Handler struct {
	Stage      func(env *Env, dict types.Dict) error
	Commit     func(env *Env, dict types.Dict) error
	PostCommit func(env *Env, dict types.Dict)
}

// StateMachine executes cluster operations one at a time.
type StateMachine struct {
	env    *Env
	caller PeerCaller
	lock   *Lock

	mu       sync.Mutex
	handlers map[types.OpKind]Handler
	pending  *types.PendingOp

	fsm          *fsmLog
	PhaseTimeout time.Duration
}

// New creates the state machine and registers the built-in operation
// handlers.
func New(env *Env, caller PeerCaller) *StateMachine {
	s := &StateMachine{
		env:          env,
		caller:       caller,
		lock:         &Lock{},
		handlers:     make(map[types.OpKind]Handler),
		fsm:          newFSMLog(types.DefaultTransitionLogSize),
		PhaseTimeout: DefaultPhaseTimeout,
	}
	registerBuiltins(s)
	return s
}

// ClusterLock exposes the lock for inbound lock/unlock RPCs and for the
// volume model's held-assertion.
func (s *StateMachine) ClusterLock() *Lock { return s.lock }

// Env returns the environment handlers run against.
func (s *StateMachine) Env() *Env { return s.env }

// Register installs a handler for one operation kind, replacing any
// previous registration.
func (s *StateMachine) Register(op types.OpKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// FsmLog returns the recent phase transitions, oldest first.
func (s *StateMachine) FsmLog() []types.Transition { return s.fsm.Entries() }

// Result carries the outcome of one operation back to the CLI shim.
type Result struct {
	Op       types.OpKind
	Warnings []string
}

// Begin runs one operation through lock, stage, commit, unlock. It blocks
// the calling goroutine until the operation completes or a phase times
// out. Any stage rejection aborts with no mutation; peer commit failures
// surface as warnings on the result.
func (s *StateMachine) Begin(ctx context.Context, op types.OpKind, dict types.Dict) (*Result, error) {
	s.mu.Lock()
	h, ok := s.handlers[op]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	logger := log.WithComponent("opsm")
	peers := s.env.Peers.ConnectedBefriended()
	peerIDs := make([]types.PeerID, 0, len(peers))
	for _, p := range peers {
		peerIDs = append(peerIDs, p.UUID)
	}

	s.mu.Lock()
	if s.pending != nil {
		existing := s.pending.Kind
		s.mu.Unlock()
		return nil, fmt.Errorf("operation %s already in progress", existing)
	}
	s.pending = types.NewPendingOp(op, dict, string(s.env.SelfID), peerIDs)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	// LOCK
	lockTimer := metrics.NewTimer()
	s.fsm.record("default", "lock", "locked")
	if err := s.lock.TryAcquire(s.env.SelfID); err != nil {
		metrics.OpsFailedTotal.WithLabelValues(string(op), "lock").Inc()
		return nil, fmt.Errorf("acquire cluster lock: %w", err)
	}
	lockTimer.ObserveDuration(metrics.LockWaitDuration)

	err := s.fanOut(ctx, "lock", peers, func(ctx context.Context, p *types.Peer) error {
		return s.caller.Lock(ctx, p, s.env.SelfID)
	})
	if err != nil {
		// Unlock everyone: releasing a lock a peer never granted is a
		// harmless no-op, and the acked subset must not stay locked.
		s.unlockPeers(peers)
		_ = s.lock.Release(s.env.SelfID)
		metrics.OpsFailedTotal.WithLabelValues(string(op), "lock").Inc()
		return nil, fmt.Errorf("lock phase: %w", err)
	}

	result := &Result{Op: op}
	err = s.runStageAndCommit(ctx, op, dict, h, peers, result)

	// UNLOCK always runs, success or failure.
	s.fsm.record("committed", "unlock", "default")
	s.unlockPeers(peers)
	if relErr := s.lock.Release(s.env.SelfID); relErr != nil {
		logger.Error().Err(relErr).Msg("release cluster lock")
	}
	if err != nil {
		return nil, err
	}

	if h.PostCommit != nil {
		h.PostCommit(s.env, dict)
	}
	metrics.OpsCommittedTotal.WithLabelValues(string(op)).Inc()

	// Commit-end gossip: push the fresh snapshots so peers that missed the
	// commit converge without waiting for a reconnect.
	s.gossipSnapshots(peers)
	return result, nil
}

// gossipSnapshots best-effort pushes every volume snapshot to the given
// peers; a failed push is only logged, gossip retries on reconnection.
func (s *StateMachine) gossipSnapshots(peers []*types.Peer) {
	if len(peers) == 0 {
		return
	}
	var snaps []peer.VolumeSnapshot
	s.env.Model.Iter(func(v *types.Volume) { snaps = append(snaps, peer.Snapshot(v)) })
	logger := log.WithComponent("opsm")
	for _, p := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.caller.Gossip(ctx, p, s.env.SelfID, snaps); err != nil {
			logger.Warn().Str("peer", string(p.UUID)).Err(err).Msg("commit-end gossip failed")
		}
		cancel()
	}
}

// runStageAndCommit executes the middle two phases under the held lock.
func (s *StateMachine) runStageAndCommit(ctx context.Context, op types.OpKind, dict types.Dict, h Handler, peers []*types.Peer, result *Result) error {
	logger := log.WithComponent("opsm")

	// STAGE
	s.fsm.record("locked", "stage", "staged")
	stageTimer := metrics.NewTimer()
	if h.Stage != nil {
		if err := h.Stage(s.env, dict); err != nil {
			metrics.OpsFailedTotal.WithLabelValues(string(op), "stage").Inc()
			return fmt.Errorf("stage %s: %w", op, err)
		}
	}
	if err := s.fanOut(ctx, "stage", peers, func(ctx context.Context, p *types.Peer) error {
		return s.caller.StageOp(ctx, p, op, dict)
	}); err != nil {
		metrics.OpsFailedTotal.WithLabelValues(string(op), "stage").Inc()
		return fmt.Errorf("stage %s: %w", op, err)
	}
	stageTimer.ObserveDurationVec(metrics.OpPhaseDuration, string(op), "stage")

	// COMMIT
	s.fsm.record("staged", "commit", "committed")
	commitTimer := metrics.NewTimer()
	if h.Commit != nil {
		if err := h.Commit(s.env, dict); err != nil {
			metrics.OpsFailedTotal.WithLabelValues(string(op), "commit").Inc()
			return fmt.Errorf("commit %s: %w", op, err)
		}
	}
	// A peer failing commit does not fail the operation: the local commit
	// stands, the failure is reported, and gossip reconciles the peer.
	for _, p := range peers {
		pctx, cancel := context.WithTimeout(ctx, s.PhaseTimeout)
		err := s.caller.CommitOp(pctx, p, op, dict)
		cancel()
		if err != nil {
			msg := fmt.Sprintf("peer %s failed commit: %v", p.UUID, err)
			logger.Warn().Str("peer", string(p.UUID)).Err(err).Msg("peer commit failed, relying on gossip reconciliation")
			result.Warnings = append(result.Warnings, msg)
			s.mu.Lock()
			if s.pending != nil {
				s.pending.AddError(msg)
			}
			s.mu.Unlock()
		}
	}
	commitTimer.ObserveDurationVec(metrics.OpPhaseDuration, string(op), "commit")
	return nil
}

// fanOut sends one phase RPC to every peer concurrently and waits for all
// acks within the phase timeout: one goroutine per peer, the errgroup as
// the collector. The timeout acts as a pseudo-rejection so a silent peer
// can never wedge the machine.
func (s *StateMachine) fanOut(ctx context.Context, phase string, peers []*types.Peer, call func(context.Context, *types.Peer) error) error {
	if len(peers) == 0 {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.PhaseTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(pctx)
	for _, p := range peers {
		g.Go(func() error {
			if err := call(gctx, p); err != nil {
				return fmt.Errorf("peer %s: %w", p.UUID, err)
			}
			s.mu.Lock()
			if s.pending != nil {
				s.pending.Ack(p.UUID)
			}
			s.mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err != nil && pctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s phase timed out after %s: %w", phase, s.PhaseTimeout, err)
	}
	return err
}

// unlockPeers best-effort releases the cluster lock on the given peers.
func (s *StateMachine) unlockPeers(peers []*types.Peer) {
	logger := log.WithComponent("opsm")
	for _, p := range peers {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.caller.Unlock(ctx, p, s.env.SelfID); err != nil {
			logger.Warn().Str("peer", string(p.UUID)).Err(err).Msg("peer unlock failed")
		}
		cancel()
	}
}

// Shutdown releases the cluster lock and fails the pending operation, run
// on SIGTERM so a dying daemon never leaves the cluster locked.
func (s *StateMachine) Shutdown() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		log.WithComponent("opsm").Warn().
			Str("op", string(pending.Kind)).
			Msg("shutdown with operation in flight, sending rejection")
	}
	if s.lock.HeldBy(s.env.SelfID) {
		peers := s.env.Peers.ConnectedBefriended()
		s.unlockPeers(peers)
		_ = s.lock.Release(s.env.SelfID)
	}
}

// --- inbound RPC surface (this peer as a participant, not initiator) ---

// HandleLock processes a lock RPC from the initiating peer.
func (s *StateMachine) HandleLock(holder types.PeerID) error {
	return s.lock.TryAcquire(holder)
}

// HandleUnlock processes an unlock RPC.
func (s *StateMachine) HandleUnlock(holder types.PeerID) error {
	return s.lock.Release(holder)
}

// HandleStage runs the local stage validator for a remote initiator.
func (s *StateMachine) HandleStage(op types.OpKind, dict types.Dict) error {
	s.mu.Lock()
	h, ok := s.handlers[op]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if h.Stage == nil {
		return nil
	}
	return h.Stage(s.env, dict)
}

// HandleCommit runs the local commit for a remote initiator.
func (s *StateMachine) HandleCommit(op types.OpKind, dict types.Dict) error {
	s.mu.Lock()
	h, ok := s.handlers[op]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if h.Commit == nil {
		return nil
	}
	if err := h.Commit(s.env, dict); err != nil {
		return err
	}
	if h.PostCommit != nil {
		h.PostCommit(s.env, dict)
	}
	return nil
}

// String renders the result for the CLI reply.
func (r *Result) String() string {
	if len(r.Warnings) == 0 {
		return fmt.Sprintf("%s succeeded", r.Op)
	}
	return fmt.Sprintf("%s succeeded with warnings: %s", r.Op, strings.Join(r.Warnings, "; "))
}
