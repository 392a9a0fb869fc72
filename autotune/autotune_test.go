package autotune

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// syntheticThroughput peaks at block size 32 and falls off on either side,
// giving the hill-climb a real gradient to follow without needing a real
// kernel to measure.
func syntheticThroughput(block []int) float64 {
	d := block[0] - 32
	v := 1000.0 - float64(d*d)
	if v < 1 {
		v = 1
	}
	return v
}

func TestAutotuneConvergesAndNeverRegressesBelowInitial(t *testing.T) {
	s, err := New(Global, []int{8}, []int{1}, []int{128}, 1, 0.01, 0)
	require.NoError(t, err)

	initialTput := syntheticThroughput([]int{8})

	rounds := 0
	for !s.Converged() && rounds < 10000 {
		cur := s.Current()
		tput := syntheticThroughput(cur)
		s.RecordTrial(Trial{BlockSize: cur, Seconds: 1, Points: tput})
		rounds++
	}

	require.True(t, s.Converged(), "autotune did not converge within bound")
	require.LessOrEqual(t, rounds, 10000)

	finalBest := s.Current()
	require.GreaterOrEqual(t, syntheticThroughput(finalBest), initialTput)
}

func TestPatienceBoundsConvergenceRounds(t *testing.T) {
	// A flat throughput landscape never improves, so convergence fires
	// after exactly patience non-improving trials.
	s, err := New(Global, []int{8}, []int{1}, []int{128}, 1, 0.01, 1)
	require.NoError(t, err)

	rounds := 0
	for !s.Converged() && rounds < 10 {
		s.RecordTrial(Trial{BlockSize: s.Current(), Seconds: 1, Points: 100})
		rounds++
	}
	require.True(t, s.Converged())
	// the first trial always "improves" against the zero-value baseline
	// throughput, so convergence fires one round after that.
	require.Equal(t, 2, rounds)
}

func TestResetRestartsSearch(t *testing.T) {
	s, err := New(PerPack, []int{8}, []int{1}, []int{128}, 1, 0.01, 0)
	require.NoError(t, err)
	s.RecordTrial(Trial{BlockSize: []int{8}, Seconds: 1, Points: 100})
	s.Reset([]int{8})
	require.False(t, s.Converged())
	require.Equal(t, []int{8}, s.Current())
}
