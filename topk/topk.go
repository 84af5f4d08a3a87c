// Package topk maintains, for every SAE latent, the K images that most
// strongly activate it. Tables are merged batch-by-batch as a dataset
// streams through the models, so the full activation tensor is never
// materialized.
package topk

import (
	"container/heap"
	"fmt"
)

// Table is a per-latent top-K ranking. For each latent, Values is sorted
// descending across ranks and Indices names the dataset image holding
// each rank. PatchValues keeps the winning image's per-patch activation
// vector so the serving path can render heatmaps without re-running the
// models. Repeated image indices within a latent's row are possible;
// de-duplication happens only at example-assembly time.
type Table struct {
	Latents int
	K       int
	Patches int

	Indices     [][]int
	Values      [][]float64
	PatchValues [][][]float64
	Labels      [][]int
}

// New returns a zero-initialized table.
func New(latents, k, patches int) *Table {
	t := &Table{
		Latents:     latents,
		K:           k,
		Patches:     patches,
		Indices:     make([][]int, latents),
		Values:      make([][]float64, latents),
		PatchValues: make([][][]float64, latents),
		Labels:      make([][]int, latents),
	}
	for l := 0; l < latents; l++ {
		t.Indices[l] = make([]int, k)
		t.Values[l] = make([]float64, k)
		t.Labels[l] = make([]int, k)
		t.PatchValues[l] = make([][]float64, k)
		for r := 0; r < k; r++ {
			t.PatchValues[l][r] = make([]float64, patches)
		}
	}
	return t
}

// Insert offers one image to a latent's ranking, keeping the row sorted
// descending. This is the chunk-local accumulation path; patchVals is
// copied so callers may reuse their buffer.
func (t *Table) Insert(latent, imageIndex int, score float64, patchVals []float64) {
	if len(patchVals) != t.Patches {
		panic(fmt.Sprintf("topk: patch vector has length %d, table expects %d", len(patchVals), t.Patches))
	}

	vals := t.Values[latent]
	k := t.K
	if score <= vals[k-1] {
		return
	}

	pos := k - 1
	for pos > 0 && score > vals[pos-1] {
		pos--
	}

	idx := t.Indices[latent]
	pvs := t.PatchValues[latent]
	for i := k - 1; i > pos; i-- {
		vals[i] = vals[i-1]
		idx[i] = idx[i-1]
		pvs[i] = pvs[i-1]
	}

	vals[pos] = score
	idx[pos] = imageIndex
	pv := make([]float64, len(patchVals))
	copy(pv, patchVals)
	pvs[pos] = pv
}

type candidate struct {
	value   float64
	index   int
	patches []float64
}

// minHeap keeps the K largest candidates seen so far; the root is the
// smallest survivor.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].value < h[j].value }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Merge folds another table into t, keeping for each latent the top K of
// the 2K-candidate union by value. The selection is a bounded min-heap,
// so a merge is O(K log K) per latent regardless of how many images have
// streamed through. Tie order between equal values is unspecified.
func (t *Table) Merge(other *Table) {
	if other.Latents != t.Latents || other.K != t.K || other.Patches != t.Patches {
		panic(fmt.Sprintf("topk: cannot merge table (%d,%d,%d) into (%d,%d,%d)",
			other.Latents, other.K, other.Patches, t.Latents, t.K, t.Patches))
	}

	k := t.K
	h := make(minHeap, 0, k+1)
	for l := 0; l < t.Latents; l++ {
		h = h[:0]
		offer := func(c candidate) {
			if len(h) < k {
				h = append(h, c)
				if len(h) == k {
					heap.Init(&h)
				}
				return
			}
			if c.value > h[0].value {
				h[0] = c
				heap.Fix(&h, 0)
			}
		}

		for r := 0; r < k; r++ {
			offer(candidate{t.Values[l][r], t.Indices[l][r], t.PatchValues[l][r]})
			offer(candidate{other.Values[l][r], other.Indices[l][r], other.PatchValues[l][r]})
		}

		for r := k - 1; r >= 0; r-- {
			c := heap.Pop(&h).(candidate)
			t.Values[l][r] = c.value
			t.Indices[l][r] = c.index
			t.PatchValues[l][r] = c.patches
		}
	}
}

// FillLabels records the dataset class of every ranked image.
func (t *Table) FillLabels(classOf func(imageIndex int) int) {
	for l := 0; l < t.Latents; l++ {
		for r := 0; r < t.K; r++ {
			t.Labels[l][r] = classOf(t.Indices[l][r])
		}
	}
}

// MaxPatchValue returns the largest stored patch activation for a
// latent, the normalization upper bound used when rendering heatmaps.
func (t *Table) MaxPatchValue(latent int) float64 {
	max := 0.0
	for _, pv := range t.PatchValues[latent] {
		for _, v := range pv {
			if v > max {
				max = v
			}
		}
	}
	return max
}
