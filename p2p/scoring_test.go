package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClampScore(t *testing.T) {
	require.Equal(t, scoreLowLimit, clampScore(scoreLowLimit-10, scoreLowLimit, scoreHighLimit))
	require.Equal(t, scoreHighLimit, clampScore(scoreHighLimit+10, scoreLowLimit, scoreHighLimit))
	require.Equal(t, 0, clampScore(0, scoreLowLimit, scoreHighLimit))
}

func TestScoreDeltaForKind(t *testing.T) {
	require.Equal(t, PeerScorePoorRequest, scoreDeltaForKind(BrokenConnection))
	require.Equal(t, PeerScorePoorRequest, scoreDeltaForKind(ReadResponseTimeoutKind))
	require.Equal(t, PeerScoreInvalidRequest, scoreDeltaForKind(InvalidSnappyBytes))
	require.Equal(t, PeerScoreInvalidRequest, scoreDeltaForKind(ResponseChunkOverflow))
}
