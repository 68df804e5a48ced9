package p2p

import "strings"

// ClientKind is the coarse client family inferred from a peer's libp2p
// identify AgentVersion string, used for logging and metrics breakdowns;
// it never gates protocol behavior.
type ClientKind int

const (
	ClientUnknown ClientKind = iota
	ClientLighthouse
	ClientPrysm
	ClientTeku
	ClientLodestar
	ClientGrandine
	ClientNimbus
)

func (k ClientKind) String() string {
	switch k {
	case ClientLighthouse:
		return "lighthouse"
	case ClientPrysm:
		return "prysm"
	case ClientTeku:
		return "teku"
	case ClientLodestar:
		return "lodestar"
	case ClientGrandine:
		return "grandine"
	case ClientNimbus:
		return "nimbus"
	default:
		return "unknown"
	}
}

// ClassifyAgent maps a raw identify AgentVersion string to a ClientKind by
// substring match, the same heuristic every beacon-chain client uses since
// AgentVersion has no standardized format across implementations.
func ClassifyAgent(agentVersion string) ClientKind {
	lower := strings.ToLower(agentVersion)
	switch {
	case strings.Contains(lower, "lighthouse"):
		return ClientLighthouse
	case strings.Contains(lower, "prysm"):
		return ClientPrysm
	case strings.Contains(lower, "teku"):
		return ClientTeku
	case strings.Contains(lower, "lodestar"):
		return ClientLodestar
	case strings.Contains(lower, "grandine"):
		return ClientGrandine
	case strings.Contains(lower, "nimbus"):
		return ClientNimbus
	default:
		return ClientUnknown
	}
}
