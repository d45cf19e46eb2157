// Package trigger implements the trigger chain engine: an ordered
// sequence of block steps with per-chain/per-block timing statistics,
// throttled publication of those statistics, and per-entry circuit
// breaking so a wedged target cannot be hammered every firing. The
// timing-statistics bookkeeping (Tstat, its update/format rules, the
// round-robin publication index) is grounded directly on the original
// libubx/trig_utils.c tstat_init/tstat_update/tstats_output_throttled
// logic, translated from (sec, nsec) pairs to time.Duration.
package trigger

import (
	"fmt"
	"math"
	"time"
)

// Tstat aggregates timing samples for one block or one whole chain,
// matching struct ubx_tstat: a textual id, min/max/total duration, and
// a sample count. Mean is derived as Total/Count.
type Tstat struct {
	ID    string
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
	Count uint64
}

// newTstat initialises Min to a saturated sentinel so the first sample
// always wins, matching tstat_init's LONG_MAX seeding.
func newTstat(id string) *Tstat {
	return &Tstat{ID: id, Min: math.MaxInt64}
}

// update folds one (start, end) measurement into the stat, mirroring
// tstat_update.
func (t *Tstat) update(start, end time.Time) {
	dur := end.Sub(start)
	if dur < t.Min {
		t.Min = dur
	}
	if dur > t.Max {
		t.Max = dur
	}
	t.Total += dur
	t.Count++
}

// Mean returns Total/Count, or 0 if no samples have been recorded.
func (t *Tstat) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// csvHeader and csvRow/logLine match the original FILE_HDR/FILE_FMT/
// LOG_FMT strings in trig_utils.c exactly (microsecond granularity).
const csvHeader = "block, cnt, min_us, max_us, avg_us\n"

func (t *Tstat) csvRow() string {
	if t.Count == 0 {
		return fmt.Sprintf("%s: cnt: 0 - no stats aquired\n", t.ID)
	}
	return fmt.Sprintf("%s, %d, %d, %d, %d\n", t.ID, t.Count, t.Min.Microseconds(), t.Max.Microseconds(), t.Mean().Microseconds())
}

func (t *Tstat) logLine() string {
	if t.Count == 0 {
		return fmt.Sprintf("%s: cnt: 0 - no statistics aquired", t.ID)
	}
	return fmt.Sprintf("TSTAT: %s: cnt %d, min %d us, max %d us, avg %d us",
		t.ID, t.Count, t.Min.Microseconds(), t.Max.Microseconds(), t.Mean().Microseconds())
}
