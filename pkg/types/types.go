package types

import (
	"fmt"
	"time"
)

// PeerID uniquely identifies a peer (16-byte UUID, string form).
type PeerID string

// ConnStatus is a Peer's transport connection state.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
)

// FriendState is a Peer's position in the friendship handshake state machine.
type FriendState string

const (
	FriendDefault           FriendState = "default"
	FriendProbeSent         FriendState = "probe-sent"
	FriendProbeReceived     FriendState = "probe-received"
	FriendBefriendAccepted  FriendState = "befriend-accepted"
	FriendBefriended        FriendState = "befriended"
	FriendRejected          FriendState = "rejected"
	FriendUnfriendSent      FriendState = "unfriend-sent"
)

// PeerEvent drives the Peer state machine.
type PeerEvent string

const (
	EventProbe           PeerEvent = "probe"
	EventProbeRecv       PeerEvent = "probe_recv"
	EventAccept          PeerEvent = "accept"
	EventReject          PeerEvent = "reject"
	EventRemove          PeerEvent = "remove"
	EventUpdate          PeerEvent = "update"
	EventConnect         PeerEvent = "connect"
	EventDisconnect      PeerEvent = "disconnect"
	EventNewName         PeerEvent = "new_name"
	EventProbeUnfriend   PeerEvent = "probe_unfriend"
	EventInitFriendship  PeerEvent = "init_friendship"
)

// Transition is one entry in a peer's (or operation's) bounded transition
// log: the state before and after an event, and when it happened.
type Transition struct {
	OldState string
	Event    string
	NewState string
	At       time.Time
}

// DefaultTransitionLogSize is how many Transition entries a peer or Op-SM
// instance retains before the oldest entry is evicted.
const DefaultTransitionLogSize = 50

// Peer is a member of the trusted storage pool.
type Peer struct {
	UUID             PeerID
	PrimaryHostname  string
	Hostnames        []string
	Conn             ConnStatus
	Friend           FriendState
	TransitionLog    []Transition
	createdAt        time.Time
}

// CreatedAt reports when the peer record was created.
func (p *Peer) CreatedAt() time.Time { return p.createdAt }

// SetCreatedAt is used by the registry/store when constructing or restoring
// a Peer; it is not part of the friendship state machine.
func (p *Peer) SetCreatedAt(t time.Time) { p.createdAt = t }

// VolumeType is the distribution/replication topology of a Volume.
type VolumeType int

const (
	VolumeNone VolumeType = iota
	VolumeDistribute
	VolumeStripe
	VolumeReplicate
	VolumeStripeReplicate
)

func (t VolumeType) String() string {
	switch t {
	case VolumeDistribute:
		return "distribute"
	case VolumeStripe:
		return "stripe"
	case VolumeReplicate:
		return "replicate"
	case VolumeStripeReplicate:
		return "stripe-replicate"
	default:
		return "none"
	}
}

// TransportType is the wire transport bricks of a volume communicate over.
type TransportType int

const (
	TransportTCP TransportType = iota
	TransportRDMA
	TransportBoth
)

func (t TransportType) String() string {
	switch t {
	case TransportRDMA:
		return "rdma"
	case TransportBoth:
		return "tcp,rdma"
	default:
		return "tcp"
	}
}

// VolumeStatus is a Volume's lifecycle state.
type VolumeStatus int

const (
	VolumeCreated VolumeStatus = iota
	VolumeStarted
	VolumeStopped
)

func (s VolumeStatus) String() string {
	switch s {
	case VolumeStarted:
		return "started"
	case VolumeStopped:
		return "stopped"
	default:
		return "created"
	}
}

// BrickStatus is a Brick's observed run state.
type BrickStatus int

const (
	BrickStopped BrickStatus = iota
	BrickStarted
)

// Brick is a (hostname, export-path) pair backing one volume subvolume.
type Brick struct {
	Hostname       string
	Path           string // absolute export path, <=1024 bytes
	PeerUUID       PeerID // resolved lazily from Hostname
	Port           int    // allocated TCP port for the server translator
	LogFile        string
	Decommissioned bool
	Status         BrickStatus
}

// Key is the cluster-wide-unique identity of a brick: (hostname, path).
func (b Brick) Key() string { return b.Hostname + ":" + b.Path }

// Volume is an in-memory volume configuration.
type Volume struct {
	Name            string // <=1000 bytes, unique
	ID              string // volume UUID
	Type            VolumeType
	BrickCount      int
	SubCount        int // sub-volume count
	StripeCount     int
	ReplicaCount    int
	DistLeafCount   int
	Bricks          []Brick
	Transport       TransportType
	Username        string
	Password        string
	Status          VolumeStatus
	Version         uint64
	Checksum        uint32
	Options         map[string]string
	GsyncSlaves     map[string]string
}

// Clone returns a deep copy safe to mutate without affecting the original
// (used by stage-phase validators, which must not mutate committed state).
func (v *Volume) Clone() *Volume {
	c := *v
	c.Bricks = append([]Brick(nil), v.Bricks...)
	c.Options = make(map[string]string, len(v.Options))
	for k, val := range v.Options {
		c.Options[k] = val
	}
	c.GsyncSlaves = make(map[string]string, len(v.GsyncSlaves))
	for k, val := range v.GsyncSlaves {
		c.GsyncSlaves[k] = val
	}
	return &c
}

// HasGeoReplication reports whether any gsync slave session is configured
// for this volume. An active session blocks turning marker xtime off.
func (v *Volume) HasGeoReplication() bool { return len(v.GsyncSlaves) > 0 }

// BrickByKey returns the brick with the given (hostname, path) key, if any.
func (v *Volume) BrickByKey(key string) (*Brick, int) {
	for i := range v.Bricks {
		if v.Bricks[i].Key() == key {
			return &v.Bricks[i], i
		}
	}
	return nil, -1
}

// VolfileRole selects which graph-building recipe to apply to a volume.
type VolfileRole string

const (
	RoleServer    VolfileRole = "server"
	RoleClient    VolfileRole = "client"
	RoleNFS       VolfileRole = "nfs"
	RoleSHD       VolfileRole = "shd"
	RoleRebalance VolfileRole = "rebalance"
)

// TranslatorType is a volfile node's namespaced xlator type, e.g.
// "cluster/replicate" or "storage/posix".
type TranslatorType string

const (
	XlatorPosix          TranslatorType = "storage/posix"
	XlatorAccessControl  TranslatorType = "features/access-control"
	XlatorLocks          TranslatorType = "features/locks"
	XlatorIOThreads      TranslatorType = "performance/io-threads"
	XlatorPump           TranslatorType = "cluster/pump"
	XlatorProtocolClient TranslatorType = "protocol/client"
	XlatorMarker         TranslatorType = "features/marker"
	XlatorIOStats        TranslatorType = "debug/io-stats"
	XlatorProtocolServer TranslatorType = "protocol/server"
	XlatorReplicate      TranslatorType = "cluster/replicate"
	XlatorStripe         TranslatorType = "cluster/stripe"
	XlatorDistribute     TranslatorType = "cluster/distribute"
	XlatorQuota          TranslatorType = "features/quota"
	XlatorWriteBehind    TranslatorType = "performance/write-behind"
	XlatorReadAhead      TranslatorType = "performance/read-ahead"
	XlatorIOCache        TranslatorType = "performance/io-cache"
	XlatorQuickRead      TranslatorType = "performance/quick-read"
	XlatorStatPrefetch   TranslatorType = "performance/stat-prefetch"
	XlatorClientIOThread TranslatorType = "performance/client-io-threads"
	XlatorNFSServer      TranslatorType = "nfs/server"
)

// OptionMapEntry describes one public option key in the global option map.
type OptionMapEntry struct {
	Key          string         // public key, e.g. "performance.cache-size"
	Target       TranslatorType // translator the option applies to
	Internal     string         // internal option name; "!name" = special-cased
	Default      string
	Validate     func(value string) error
}

// Special reports whether this entry is handled by bespoke logic rather than
// copied verbatim into the target translator's option map.
func (e OptionMapEntry) Special() bool {
	return len(e.Internal) > 0 && e.Internal[0] == '!'
}

// ClusterLock is the single cluster-wide mutual-exclusion token guarding
// cluster operations. A zero Holder means unlocked.
type ClusterLock struct {
	Holder  PeerID
	Claimed time.Time
}

// Held reports whether the lock currently has a holder.
func (l ClusterLock) Held() bool { return l.Holder != "" }

// OpKind enumerates the operations the Op-SM dispatch table recognizes.
type OpKind string

const (
	OpCreateVolume  OpKind = "create-volume"
	OpStartVolume   OpKind = "start-volume"
	OpStopVolume    OpKind = "stop-volume"
	OpDeleteVolume  OpKind = "delete-volume"
	OpAddBrick      OpKind = "add-brick"
	OpRemoveBrick   OpKind = "remove-brick"
	OpReplaceBrick  OpKind = "replace-brick"
	OpSetOption     OpKind = "set"
	OpResetOption   OpKind = "reset"
	OpLogFilename   OpKind = "log-filename"
	OpLogRotate     OpKind = "log-rotate"
	OpSync          OpKind = "sync"
	OpRebalance     OpKind = "rebalance"
)

// Dict is the decoded operation dictionary the CLI/RPC shim hands to the
// operation state machine. It stands in for the external XDR-decoded
// request.
type Dict map[string]string

// Get returns dict[key] and whether it was present.
func (d Dict) Get(key string) (string, bool) { v, ok := d[key]; return v, ok }

// MustGet returns dict[key] or an error naming the missing key.
func (d Dict) MustGet(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", fmt.Errorf("missing required dict key %q", key)
	}
	return v, nil
}

// PendingOp is the in-flight context for one cluster operation.
type PendingOp struct {
	Kind         OpKind
	Dict         Dict
	RequestID    string
	Outstanding  map[PeerID]bool // peers whose ack is still pending this phase
	Errors       []string
}

// NewPendingOp creates a PendingOp with every given peer marked outstanding.
func NewPendingOp(kind OpKind, dict Dict, requestID string, peers []PeerID) *PendingOp {
	outstanding := make(map[PeerID]bool, len(peers))
	for _, p := range peers {
		outstanding[p] = true
	}
	return &PendingOp{Kind: kind, Dict: dict, RequestID: requestID, Outstanding: outstanding}
}

// Ack marks one peer's phase acknowledgment received; returns true once
// every outstanding peer has acked.
func (p *PendingOp) Ack(peer PeerID) bool {
	delete(p.Outstanding, peer)
	return len(p.Outstanding) == 0
}

// AddError appends a partial-failure message to the accumulated error list.
func (p *PendingOp) AddError(msg string) { p.Errors = append(p.Errors, msg) }
