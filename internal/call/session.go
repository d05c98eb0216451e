package call

import (
	"time"

	"github.com/petervdpas/dialp2p/internal/proto"
)

// State is the in-memory session state. It moves forward only; Ended is
// terminal and the slot is reused for the next call.
type State int

const (
	StateIdle      State = iota
	StateCalling         // caller: offer being prepared or published
	StateRinging         // caller: waiting for answer; callee: waiting for accept
	StateConnected       // answer applied on both sides
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Role says which side of the call the local user is on.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	}
	return "none"
}

// session is the live state of one call. All fields are guarded by the
// manager's mutex. The epoch ties async completions (media acquisition, ring
// timers, connection-state callbacks) to the session they were started for;
// a completion whose epoch no longer matches is stale and discarded.
type session struct {
	epoch  uint64
	callID string
	role   Role
	state  State
	peerID string

	pc     PeerConnection
	stream MediaStream

	// remoteOffer holds the callee's copy of the inbound offer until Accept
	// applies it to a fresh peer connection.
	remoteOffer *proto.SessionDescription

	// accepting marks a callee session whose Accept is running its async
	// setup. The state stays Ringing until the answer is out; the flag keeps
	// a second Accept from starting a second setup against the same slot.
	accepting bool

	// remoteSet flips when the remote description is applied; until then
	// inbound ICE candidates queue in pendingICE and are flushed in arrival
	// order.
	remoteSet  bool
	pendingICE []proto.ICECandidateInit

	muted     bool
	speakerOn bool

	ringTimer *time.Timer
	endReason string
}

func (s *session) active() bool {
	return s != nil && s.state != StateEnded
}

// stopRingTimer cancels the pending ring timeout, if any.
func (s *session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// Snapshot is a point-in-time view of the session for status displays.
type Snapshot struct {
	State     State
	Role      Role
	CallID    string
	PeerID    string
	Muted     bool
	SpeakerOn bool
	ConnState string
	EndReason string
}
