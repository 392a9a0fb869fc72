// Package solution is the top-level driver surface: Env and Solution,
// per-dim setters, prepare/run/end, stats, auto-tuner reset and
// command-line option application, wiring together every other package
// into one entry point.
package solution

import (
	"log/slog"
	"os"

	"github.com/wavekernel/stencil/dims"
	"github.com/wavekernel/stencil/errs"
	"github.com/wavekernel/stencil/topology"
	"github.com/wavekernel/stencil/transport"
)

// Env is the process-wide context a Solution runs inside: the transport
// endpoint, the logger, and defaults new Solutions inherit.
type Env struct {
	Endpoint transport.Endpoint
	Log      *slog.Logger

	DefaultNumaPref int
	Trace           bool
}

// NewEnv builds an Env. If ep is nil, a NetworkEndpoint is created here
// in its place, the way a default device is acquired when none is
// supplied.
func NewEnv(ep transport.Endpoint) (*Env, error) {
	if ep == nil {
		var err error
		ep, err = transport.NewNetworkEndpoint()
		if err != nil {
			return nil, errs.ConfigError("NewEnv", "default transport: %v", err)
		}
	}
	return &Env{
		Endpoint:        ep,
		Log:             slog.New(slog.NewTextHandler(os.Stderr, nil)),
		DefaultNumaPref: -1,
	}, nil
}

// DimConfig is a per-dim setter payload, covering global domain, region,
// block, mini-block, sub-block, halo and pad sizes plus the fold length.
// All sizes are in elements.
type DimConfig struct {
	Name                  string
	GlobalSize            int
	RegionSize            int
	BlockSize             int
	MiniBlockSize         int
	SubBlockSize          int
	LeftHalo, RightHalo   int
	LeftPad, RightPad     int
	Fold                  int
}

// TopologyConfig narrows topology.Config to what a solution needs before
// it has resolved a Topology.
type TopologyConfig struct {
	RankCounts   []int
	RanksPerNode int
}

func dimNames(dc []DimConfig) []string {
	out := make([]string, len(dc))
	for i, d := range dc {
		out[i] = d.Name
	}
	return out
}

func globalSizes(dc []DimConfig) []int {
	out := make([]int, len(dc))
	for i, d := range dc {
		out[i] = d.GlobalSize
	}
	return out
}

// buildTopology resolves a Topology from the dim configs and env.
func buildTopology(env *Env, dc []DimConfig, tc TopologyConfig) (*topology.Topology, error) {
	cfg := topology.Config{
		DimNames:     dimNames(dc),
		RankCounts:   tc.RankCounts,
		GlobalSize:   globalSizes(dc),
		RanksPerNode: tc.RanksPerNode,
	}
	return topology.New(cfg, env.Endpoint.Rank(), env.Endpoint.Size(), env.Endpoint)
}

func rankBBFromTopology(layout *dims.Layout, topo *topology.Topology) dims.BB {
	local := topo.LocalSize()
	begin := make([]int, len(local))
	end := append([]int(nil), local...)
	return dims.NewBB(layout.NewIndex(begin...), layout.NewIndex(end...))
}
