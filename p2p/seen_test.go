package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func TestSeenTable_MarkAndBlocked(t *testing.T) {
	s := NewSeenTable()
	id, _ := test.RandPeerID()

	require.False(t, s.Blocked(id))
	s.Mark(id, SeenBenignReconnect)
	require.True(t, s.Blocked(id))
}

func TestSeenTable_LongerTTLWins(t *testing.T) {
	s := NewSeenTable()
	id, _ := test.RandPeerID()

	s.Mark(id, SeenBenignReconnect) // 1 minute
	s.Mark(id, SeenIrrelevantNetwork) // 24 hours, should win
	entry := s.entries[id]
	require.True(t, entry.expiresAt.After(time.Now().Add(time.Hour)))

	// a subsequent shorter-TTL mark must not shrink the window
	s.Mark(id, SeenTimeout)
	entry = s.entries[id]
	require.True(t, entry.expiresAt.After(time.Now().Add(time.Hour)))
}

func TestSeenTable_SweepRemovesExpired(t *testing.T) {
	s := NewSeenTable()
	id, _ := test.RandPeerID()
	s.entries[id] = seenEntry{reason: SeenTimeout, expiresAt: time.Now().Add(-time.Second)}
	require.Equal(t, 1, s.Len())
	s.Sweep()
	require.Equal(t, 0, s.Len())
}

func TestSeenReasonForDisconnect(t *testing.T) {
	require.Equal(t, SeenScoreLow, SeenReasonForDisconnect(ReasonPeerScoreLow))
	require.Equal(t, SeenClientShutdown, SeenReasonForDisconnect(ReasonClientShutdown))
	require.Equal(t, SeenFaultOrError, SeenReasonForDisconnect(DisconnectReason(99)))
}
