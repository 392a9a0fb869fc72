package solution

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Stats is the run-cost summary get_stats() promised: total steps
// executed, wall-clock time spent inside RunSolution, the rank's own
// domain points touched and an estimated flop count derived from every
// bundle's static per-point metadata, and per-pack elapsed time broken
// out by name.
type Stats struct {
	Steps         int
	Elapsed       time.Duration
	PointsUpdated int64
	FlopsEstimate float64
	PackTimers    map[string]time.Duration
}

// Stats aggregates the run totals across every registered pack:
// PointsUpdated and FlopsEstimate scale the rank's own (unhaloed) domain
// point count by each bundle's WritesPerPoint/FlopsPerPoint and the
// number of steps Run has executed so far, the same per-point metadata
// the auto-tuner's cost model could use but — unlike the auto-tuner,
// which only ever measures wall time — this is the one place that
// actually reads WritesPerPoint/FlopsPerPoint (ReadsPerPoint is not used).
func (s *Solution) Stats() Stats {
	st := Stats{Steps: s.stepsRun, PackTimers: make(map[string]time.Duration, len(s.sched.Packs()))}
	points := int64(s.sched.RankBB.NumPoints())
	for _, p := range s.sched.Packs() {
		elapsed := time.Duration(p.ElapsedNs)
		st.PackTimers[p.Name] = elapsed
		st.Elapsed += elapsed
		for _, b := range p.Bundles {
			meta := b.Meta()
			st.PointsUpdated += points * int64(s.stepsRun) * int64(meta.WritesPerPoint)
			st.FlopsEstimate += float64(points) * float64(s.stepsRun) * meta.FlopsPerPoint
		}
	}
	return st
}

// String renders Stats as a human-readable table, the way a debug run
// prints its cost-model summary.
func (st Stats) String() string {
	t := table.NewWriter()
	t.SetTitle("Run stats")
	t.AppendHeader(table.Row{"Steps", "Elapsed", "Points updated", "Flops (est.)"})
	t.AppendRow(table.Row{st.Steps, st.Elapsed, st.PointsUpdated, fmt.Sprintf("%.3g", st.FlopsEstimate)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Pack", "Elapsed", "", ""})
	for name, d := range st.PackTimers {
		t.AppendRow(table.Row{name, d, "", ""})
	}
	return t.Render()
}

// PackStat is one pack's per-run breakdown: elapsed time, the block size
// the auto-tuner currently holds, and its bundle count.
type PackStat struct {
	Name       string
	ElapsedNs  int64
	BlockSize  []int
	NumBundles int
}

// PackStats collects one PackStat per registered pack, in registration
// order.
func (s *Solution) PackStats() []PackStat {
	packs := s.sched.Packs()
	out := make([]PackStat, len(packs))
	for i, p := range packs {
		out[i] = PackStat{
			Name:       p.Name,
			ElapsedNs:  p.ElapsedNs,
			BlockSize:  append([]int(nil), p.BlockSize...),
			NumBundles: len(p.Bundles),
		}
	}
	return out
}

// StatsTable renders PackStats as the pack-throughput table a debug run
// prints, using go-pretty the way a per-state register/buffer dump would.
func (s *Solution) StatsTable() string {
	t := table.NewWriter()
	t.SetTitle("Pack stats")
	t.AppendHeader(table.Row{"Pack", "Elapsed", "Block size", "Bundles"})
	for _, pst := range s.PackStats() {
		t.AppendRow(table.Row{pst.Name, fmt.Sprintf("%dns", pst.ElapsedNs), fmt.Sprint(pst.BlockSize), pst.NumBundles})
	}
	return t.Render()
}
