package halo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wavekernel/stencil/topology"
	"github.com/wavekernel/stencil/transport"
	"github.com/wavekernel/stencil/vars"
)

func buildRank(t *testing.T, rank, worldSize int, ep transport.Endpoint) (*topology.Topology, *vars.Store, *vars.Variable) {
	cfg := topology.Config{
		DimNames:   []string{"x"},
		RankCounts: []int{worldSize},
		GlobalSize: []int{worldSize * 4},
	}
	topo, err := topology.New(cfg, rank, worldSize, ep)
	require.NoError(t, err)

	store := vars.NewStore()
	v, err := store.NewVar(vars.Spec{
		Name:    "u",
		HasStep: true,
		Step:    vars.StepDimSpec{AllocSize: 2},
		DomainDims: []vars.DomainDimSpec{
			{Name: "x", DomainSize: 4, LeftHalo: 1, RightHalo: 1, LeftPad: 1, RightPad: 1},
		},
		Precision: vars.Float64,
	})
	require.NoError(t, err)
	require.NoError(t, store.AllocStorage(vars.PoolKey{NUMA: -1}))
	return topo, store, v
}

func TestExchangeHalosFillsNeighborData(t *testing.T) {
	eps := transport.NewWorld(2)
	var topos [2]*topology.Topology
	var stores [2]*vars.Store
	var vs [2]*vars.Variable

	var wg sync.WaitGroup
	wg.Add(2)
	for r := 0; r < 2; r++ {
		go func(rank int) {
			defer wg.Done()
			topos[rank], stores[rank], vs[rank] = buildRank(t, rank, 2, eps[rank])
		}(r)
	}
	wg.Wait()

	// Seed rank 0's domain to value 10 per point, rank 1's to 20.
	for x := 0; x < 4; x++ {
		require.NoError(t, vs[0].SetElement(0, []int{x}, 10, true))
		require.NoError(t, vs[1].SetElement(0, []int{x}, 20, true))
	}

	var exWg sync.WaitGroup
	exWg.Add(2)
	errs := make([]error, 2)
	for r := 0; r < 2; r++ {
		go func(rank int) {
			defer exWg.Done()
			ex := NewExchanger(eps[rank], topos[rank], stores[rank])
			errs[rank] = ex.ExchangeHalos(0, nil, All())
		}(r)
	}
	exWg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Rank 0's right halo (x=4) should now hold rank 1's leftmost value.
	got, err := vs[0].GetElement(0, []int{4}, true)
	require.NoError(t, err)
	require.Equal(t, 20.0, got)

	// Rank 1's left halo (x=-1) should now hold rank 0's rightmost value.
	got, err = vs[1].GetElement(0, []int{-1}, true)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	require.False(t, vs[0].IsDirty(0))
	require.False(t, vs[1].IsDirty(0))
}
