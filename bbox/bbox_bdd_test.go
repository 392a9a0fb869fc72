package bbox_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wavekernel/stencil/bbox"
	"github.com/wavekernel/stencil/dims"
)

var _ = Describe("Find", func() {
	var layout *dims.Layout

	BeforeEach(func() {
		layout = dims.NewLayout("x", "y")
	})

	Context("with a predicate that is true everywhere", func() {
		It("covers the whole outer box with disjoint boxes", func() {
			outer := dims.NewBB(layout.NewIndex(0, 0), layout.NewIndex(4, 4))
			boxes := bbox.Find(func(dims.Index) bool { return true }, outer, 3)

			total := 0
			for _, b := range boxes {
				total += b.NumPoints()
			}
			Expect(total).To(Equal(16))
			Expect(disjoint(boxes)).To(BeTrue())
		})
	})

	Context("with a predicate carving an L-shape out of the outer box", func() {
		It("covers exactly the points the predicate accepts", func() {
			outer := dims.NewBB(layout.NewIndex(0, 0), layout.NewIndex(5, 5))
			pred := func(pt dims.Index) bool {
				return pt.At(0) < 2 || pt.At(1) < 2
			}
			boxes := bbox.Find(pred, outer, 2)

			total := 0
			for _, b := range boxes {
				total += b.NumPoints()
			}

			var want int
			outer.VisitAllPoints(func(pt dims.Index, _ int) bool {
				if pred(pt) {
					want++
				}
				return true
			})

			Expect(total).To(Equal(want))
			Expect(disjoint(boxes)).To(BeTrue())
		})
	})

	Context("with an empty outer box", func() {
		It("returns no boxes", func() {
			outer := dims.NewBB(layout.NewIndex(2, 2), layout.NewIndex(2, 2))
			boxes := bbox.Find(func(dims.Index) bool { return true }, outer, 4)
			Expect(boxes).To(BeEmpty())
		})
	})

	Context("with more workers requested than the outer dimension is long", func() {
		It("still produces a correct, disjoint cover", func() {
			layout1 := dims.NewLayout("x")
			outer := dims.NewBB(layout1.NewIndex(0), layout1.NewIndex(3))
			boxes := bbox.Find(func(dims.Index) bool { return true }, outer, 32)

			total := 0
			for _, b := range boxes {
				total += b.NumPoints()
			}
			Expect(total).To(Equal(3))
			Expect(disjoint(boxes)).To(BeTrue())
		})
	})
})

func disjoint(boxes []dims.BB) bool {
	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			inter := boxes[i].Intersect(boxes[j])
			if inter.Valid() && inter.NumPoints() > 0 {
				return false
			}
		}
	}
	return true
}
