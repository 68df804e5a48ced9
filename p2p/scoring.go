package p2p

// Score deltas applied to a peer's integer score. Names mirror the
// operations listed in the design's quota & scoring section: successful
// exchanges earn a modest credit, violations cost progressively more
// depending on how expensive they are to detect and how malicious they
// plausibly are.
const (
	scoreLowLimit  = -100
	scoreHighLimit = 100

	// PeerScoreGoodValues rewards a successful, meaningful response.
	PeerScoreGoodValues = 1
	// PeerScorePoorRequest is the light descore for benign transport
	// failures: no response, timeout, stale status.
	PeerScorePoorRequest = -1
	// PeerScoreInvalidRequest is the heavy descore for protocol violations.
	PeerScoreInvalidRequest = -5
)

// clampScore bounds a score update to [low, high] per the invariant that
// Peer.score never leaves this range.
func clampScore(score, low, high int) int {
	if score < low {
		return low
	}
	if score > high {
		return high
	}
	return score
}

// scoreDeltaForKind maps a Req/Resp ErrorKind to the score delta the
// requester applies to the responding peer: protocol violations are
// heavily descored, transport-benign failures
// lightly so.
func scoreDeltaForKind(kind ErrorKind) int {
	if kind.IsProtocolViolation() {
		return PeerScoreInvalidRequest
	}
	switch kind {
	case BrokenConnection, UnexpectedEOF, PotentiallyExpectedEOF, StreamOpenTimeoutKind, ReadResponseTimeoutKind:
		return PeerScorePoorRequest
	default:
		return 0
	}
}
