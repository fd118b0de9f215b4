// Package timerange provides calendar-date interval algebra for the cache.
//
// All operations are pure: they take ranges in, return ranges out, and hold
// no state, so they are safe to call from any number of goroutines.
package timerange

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire format for all dates handled by the cache.
// Dates in this layout compare correctly as plain strings.
const DateLayout = "2006-01-02"

// Range is an inclusive calendar-date interval [Start, End].
//
// Malformed dates are tolerated rather than rejected: day arithmetic on an
// unparseable date is an identity no-op and Days returns 0. Callers that want
// strict behavior must validate dates before constructing ranges.
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// New returns the range [start, end].
func New(start, end string) Range {
	return Range{Start: start, End: end}
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start, r.End)
}

// Contains reports whether date falls inside the range.
func (r Range) Contains(date string) bool {
	return r.Start <= date && date <= r.End
}

// Overlaps reports whether the two ranges share at least one day.
func (r Range) Overlaps(o Range) bool {
	return !(r.End < o.Start || o.End < r.Start)
}

// Adjacent reports whether the two ranges touch without overlapping, i.e. one
// ends the day before the other starts. The check is symmetric.
func (r Range) Adjacent(o Range) bool {
	return NextDay(r.End) == o.Start || NextDay(o.End) == r.Start
}

// Days returns the number of calendar days covered by the range, or 0 when
// either bound is unparseable.
func (r Range) Days() int {
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return 0
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// NextDay returns the day after date, or date unchanged when unparseable.
func NextDay(date string) string {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, 1).Format(DateLayout)
}

// PrevDay returns the day before date, or date unchanged when unparseable.
func PrevDay(date string) string {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, -1).Format(DateLayout)
}

// Missing computes the sub-ranges of target not covered by cached. The result
// is ordered by start date. An empty cached set yields the whole target.
func Missing(target Range, cached []Range) []Range {
	if len(cached) == 0 {
		return []Range{target}
	}

	overlapping := make([]Range, 0, len(cached))
	for _, r := range cached {
		if r.Overlaps(target) {
			overlapping = append(overlapping, r)
		}
	}
	if len(overlapping) == 0 {
		return []Range{target}
	}

	sort.Slice(overlapping, func(i, j int) bool {
		return overlapping[i].Start < overlapping[j].Start
	})

	var missing []Range
	cursor := target.Start

	for _, r := range overlapping {
		if cursor < r.Start {
			gapEnd := PrevDay(r.Start)
			if cursor <= gapEnd {
				missing = append(missing, Range{Start: cursor, End: gapEnd})
			}
		}
		coveredEnd := r.End
		if target.End < coveredEnd {
			coveredEnd = target.End
		}
		if coveredEnd >= cursor {
			cursor = NextDay(coveredEnd)
		}
	}

	if cursor <= target.End {
		missing = append(missing, Range{Start: cursor, End: target.End})
	}

	return missing
}

// Merge folds overlapping and adjacent ranges together, returning the
// canonical form: sorted ascending by start with no two elements that overlap
// or touch.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	merged := []Range{sorted[0]}
	for _, cur := range sorted[1:] {
		last := &merged[len(merged)-1]
		if last.Overlaps(cur) || last.Adjacent(cur) {
			if cur.Start < last.Start {
				last.Start = cur.Start
			}
			if cur.End > last.End {
				last.End = cur.End
			}
		} else {
			merged = append(merged, cur)
		}
	}

	return merged
}

// SplitByYear partitions a range at calendar-year boundaries. An unparseable
// bound yields the input range unchanged.
func SplitByYear(r Range) []Range {
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return []Range{r}
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil {
		return []Range{r}
	}

	var ranges []Range
	cur := start
	for !cur.After(end) {
		yearEnd := time.Date(cur.Year(), 12, 31, 0, 0, 0, 0, time.UTC)
		chunkEnd := yearEnd
		if end.Before(yearEnd) {
			chunkEnd = end
		}
		ranges = append(ranges, Range{
			Start: cur.Format(DateLayout),
			End:   chunkEnd.Format(DateLayout),
		})
		cur = time.Date(cur.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	return ranges
}

// SplitByDays partitions a range into chunks of at most chunkDays days.
func SplitByDays(r Range, chunkDays int) []Range {
	start, err := time.Parse(DateLayout, r.Start)
	if err != nil {
		return []Range{r}
	}
	end, err := time.Parse(DateLayout, r.End)
	if err != nil || chunkDays <= 0 {
		return []Range{r}
	}

	var ranges []Range
	cur := start
	for !cur.After(end) {
		chunkEnd := cur.AddDate(0, 0, chunkDays-1)
		if end.Before(chunkEnd) {
			chunkEnd = end
		}
		ranges = append(ranges, Range{
			Start: cur.Format(DateLayout),
			End:   chunkEnd.Format(DateLayout),
		})
		cur = chunkEnd.AddDate(0, 0, 1)
	}

	return ranges
}

// Clip intersects each range with bounds, dropping ranges that fall entirely
// outside it.
func Clip(ranges []Range, bounds Range) []Range {
	var clipped []Range
	for _, r := range ranges {
		if !r.Overlaps(bounds) {
			continue
		}
		start := r.Start
		if bounds.Start > start {
			start = bounds.Start
		}
		end := r.End
		if bounds.End < end {
			end = bounds.End
		}
		clipped = append(clipped, Range{Start: start, End: end})
	}
	return clipped
}

// Bounds returns the earliest start and latest end across ranges. The third
// return is false when ranges is empty.
func Bounds(ranges []Range) (start, end string, ok bool) {
	if len(ranges) == 0 {
		return "", "", false
	}
	start, end = ranges[0].Start, ranges[0].End
	for _, r := range ranges[1:] {
		if r.Start < start {
			start = r.Start
		}
		if r.End > end {
			end = r.End
		}
	}
	return start, end, true
}

// CoverageRatio returns the fraction of target's days covered by cached,
// between 0 and 1.
func CoverageRatio(target Range, cached []Range) float64 {
	if len(cached) == 0 {
		return 0
	}
	total := target.Days()
	if total == 0 {
		return 0
	}

	covered := 0
	for _, r := range Merge(Clip(cached, target)) {
		covered += r.Days()
	}

	ratio := float64(covered) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
