package timeseries

import (
	"math"
	"sort"

	"github.com/ghalamif/fleetlog/internal/domain"
)

// Resolution is one downsampled view: samples are bucketed by Width seconds
// and at most Limit buckets are kept.
type Resolution struct {
	Name  string
	Width int64
	Limit int
}

// DefaultResolutions cover roughly five minutes, one hour, one day and one
// week of history.
var DefaultResolutions = []Resolution{
	{Name: domain.ResolutionSeconds, Width: 5, Limit: 61},
	{Name: domain.ResolutionMinutes, Width: 60, Limit: 61},
	{Name: domain.ResolutionHours, Width: 1800, Limit: 49},
	{Name: domain.ResolutionDays, Width: 28800, Limit: 57},
}

// Tracker buffers raw samples per resolution and derives a bounded series
// from them on demand. It is not safe for concurrent use.
type Tracker[T any] struct {
	resolutions []Resolution
	buffers     map[string][]domain.Sample[T]
}

// New seeds a tracker from a previously published series. Resolutions not
// in the tracker's set are dropped. With no resolutions, DefaultResolutions
// are used.
func New[T any](existing domain.Series[T], resolutions ...Resolution) *Tracker[T] {
	if len(resolutions) == 0 {
		resolutions = DefaultResolutions
	}
	t := &Tracker[T]{
		resolutions: resolutions,
		buffers:     make(map[string][]domain.Sample[T], len(resolutions)),
	}
	for _, r := range resolutions {
		prev := existing[r.Name]
		buf := make([]domain.Sample[T], len(prev))
		copy(buf, prev)
		t.buffers[r.Name] = buf
	}
	return t
}

// Add appends (floor(at), v) to every resolution.
func (t *Tracker[T]) Add(v T, at float64) {
	s := domain.Sample[T]{Time: int64(math.Floor(at)), Value: v}
	for _, r := range t.resolutions {
		t.buffers[r.Name] = append(t.buffers[r.Name], s)
	}
}

// Series derives every resolution. The returned slices are fresh.
func (t *Tracker[T]) Series() domain.Series[T] {
	out := make(domain.Series[T], len(t.resolutions))
	for _, r := range t.resolutions {
		out[r.Name] = derive(t.buffers[r.Name], r)
	}
	return out
}

// Compact replaces the raw buffers with their derived series so memory stays
// bounded by the resolution limits.
func (t *Tracker[T]) Compact() {
	for _, r := range t.resolutions {
		t.buffers[r.Name] = derive(t.buffers[r.Name], r)
	}
}

func derive[T any](samples []domain.Sample[T], r Resolution) []domain.Sample[T] {
	if len(samples) == 0 {
		return []domain.Sample[T]{}
	}

	// most recently appended sample per bucket, buckets in first-seen order
	lastIdx := make(map[int64]int)
	var order []int64
	for i, s := range samples {
		b := floorDiv(s.Time, r.Width)
		if _, ok := lastIdx[b]; !ok {
			order = append(order, b)
		}
		lastIdx[b] = i
	}
	picked := make([]domain.Sample[T], 0, len(order)+1)
	for _, b := range order {
		picked = append(picked, samples[lastIdx[b]])
	}
	picked = append(picked, samples[len(samples)-1])

	// latest wins on equal timestamps
	seen := make(map[int64]struct{}, len(picked))
	out := make([]domain.Sample[T], 0, len(picked))
	for i := len(picked) - 1; i >= 0; i-- {
		if _, dup := seen[picked[i].Time]; dup {
			continue
		}
		seen[picked[i].Time] = struct{}{}
		out = append(out, picked[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[len(out)-r.Limit:]
	}
	return out
}

func floorDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
