package bench

import (
	"time"

	"github.com/23skdu/longbow-fastseq/internal/decoder"
)

// Summary aggregates the steps of one variant.
type Summary struct {
	Variant        decoder.Variant
	Steps          int
	Total          time.Duration
	Mean           time.Duration
	PeakCacheBytes int
	MaxAbsDiff     float32
}

// Summaries aggregates r.Stats per variant, in run order.
func (r *Result) Summaries() []Summary {
	var out []Summary
	index := map[decoder.Variant]int{}
	for _, st := range r.Stats {
		i, ok := index[st.Variant]
		if !ok {
			i = len(out)
			index[st.Variant] = i
			out = append(out, Summary{Variant: st.Variant})
		}
		s := &out[i]
		s.Steps++
		s.Total += st.Duration
		s.PeakCacheBytes = max(s.PeakCacheBytes, st.CacheBytes)
		s.MaxAbsDiff = max(s.MaxAbsDiff, st.MaxAbsDiff)
	}
	for i := range out {
		out[i].Mean = out[i].Total / time.Duration(out[i].Steps)
	}
	return out
}

// CacheSavings is the fraction of the reference variant's peak cache that
// the other variant avoids, e.g. 0.4 for a cache 40% smaller.
func CacheSavings(ref, other Summary) float64 {
	if ref.PeakCacheBytes == 0 {
		return 0
	}
	return 1 - float64(other.PeakCacheBytes)/float64(ref.PeakCacheBytes)
}
