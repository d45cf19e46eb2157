package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/ubx-rt/ubxkernel/internal/kernel"
	"github.com/ubx-rt/ubxkernel/internal/log"
)

// TstatsMode selects how a chain gathers timing statistics.
type TstatsMode int

const (
	Disabled TstatsMode = iota
	Global
	PerBlock
)

// Entry is one (block_ref, num_steps, every) triggee in a chain. every
// <= 1 means every firing; num_steps == 0 is normalised to 1;
// num_steps == -1 disables the entry at runtime without removing it.
type Entry struct {
	Block    *kernel.Block
	NumSteps int
	Every    int

	firingCount uint64
	breaker     *gobreaker.CircuitBreaker[any]
}

func newEntry(b *kernel.Block, numSteps, every int) *Entry {
	if numSteps == 0 {
		numSteps = 1
	}
	if every <= 0 {
		every = 1
	}
	e := &Entry{Block: b, NumSteps: numSteps, Every: every}
	e.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "chain_entry_" + b.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     2 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return e
}

// shouldFire reports whether this firing hits the entry's "every Nth"
// cadence, and advances the firing counter.
func (e *Entry) shouldFire() bool {
	e.firingCount++
	if e.NumSteps < 0 {
		return false
	}
	return (e.firingCount % uint64(e.Every)) == 0 || e.Every == 1
}

// Config configures a Chain.
type Config struct {
	ID                string
	Mode              TstatsMode
	SkipFirst         uint64
	OutputRate        time.Duration // 0 disables
	LogRate           time.Duration // 0 disables
	ProfilePath       string        // "" disables CSV persistence
	StatsPort         *kernel.Port  // optional output port for Tstat publication
	MakeStatsValue    func(t *Tstat) (*kernel.Value, error)
	Log               *log.Logger
}

// Chain is an ordered sequence of trigger entries executed on each
// firing, with global and/or per-block timing statistics.
type Chain struct {
	cfg     Config
	entries []*Entry

	mu sync.Mutex

	skipFirst uint64

	global    *Tstat
	perBlock  []*Tstat
	statsIdx  int

	lastOutputMsg time.Time
	lastLogMsg    time.Time

	limiterStore   store.Store
	outputLimiter  *limiter.TokenBucket
	logLimiter     *limiter.TokenBucket
}

// New builds a Chain from its entries and configuration.
func New(cfg Config, entries []*Entry) *Chain {
	if cfg.Log == nil {
		cfg.Log = log.Default("trigger")
	}
	c := &Chain{
		cfg:       cfg,
		entries:   entries,
		skipFirst: cfg.SkipFirst,
		global:    newTstat(cfg.ID),
	}
	if cfg.Mode == PerBlock {
		c.perBlock = make([]*Tstat, len(entries))
		for i, e := range entries {
			c.perBlock[i] = newTstat(e.Block.Name)
		}
	}

	// Throttling is modeled as a token bucket with burst 1: a request
	// is allowed at most once per configured rate interval, i.e. the
	// interval elapsed since the last emission.
	c.limiterStore = store.NewMemoryStore(time.Minute)
	if cfg.OutputRate > 0 {
		c.outputLimiter, _ = limiter.NewTokenBucket(limiter.Config{
			Rate: 1, Duration: cfg.OutputRate, Burst: 1,
		}, c.limiterStore)
	}
	if cfg.LogRate > 0 {
		c.logLimiter, _ = limiter.NewTokenBucket(limiter.Config{
			Rate: 1, Duration: cfg.LogRate, Burst: 1,
		}, c.limiterStore)
	}
	return c
}

// NewEntry is the exported Entry constructor for callers assembling a
// Chain's entry list.
func NewEntry(b *kernel.Block, numSteps, every int) *Entry {
	return newEntry(b, numSteps, every)
}

// Fire executes one firing of the chain:
// skip_first cold-start exclusion, then dispatch on tstats_mode, then
// throttled stats publication/logging.
func (c *Chain) Fire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode := c.cfg.Mode
	if c.skipFirst > 0 {
		c.skipFirst--
		mode = Disabled
	}

	switch mode {
	case Disabled:
		c.runDisabled()
	case Global:
		start := time.Now()
		c.runDisabled()
		c.global.update(start, time.Now())
	case PerBlock:
		start := time.Now()
		for i, e := range c.entries {
			if !e.shouldFire() {
				continue
			}
			bStart := time.Now()
			if err := c.stepEntry(e); err != nil {
				c.cfg.Log.Warn("chain entry step failed", log.String("block", e.Block.Name), log.Err(err))
			}
			c.perBlock[i].update(bStart, time.Now())
		}
		c.global.update(start, time.Now())
	}

	c.publishThrottled()
	return nil // per-step failures are logged, not returned
}

func (c *Chain) runDisabled() {
	for _, e := range c.entries {
		if !e.shouldFire() {
			continue
		}
		if err := c.stepEntry(e); err != nil {
			c.cfg.Log.Warn("chain entry step failed", log.String("block", e.Block.Name), log.Err(err))
		}
	}
}

// stepEntry steps e.Block NumSteps times through its circuit breaker,
// so a consistently-failing target stops being hammered every firing
// and instead fails fast until its cooldown elapses.
func (c *Chain) stepEntry(e *Entry) error {
	var lastErr error
	for i := 0; i < e.NumSteps; i++ {
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, e.Block.Step()
		})
		if err != nil {
			lastErr = err
			break
		}
	}
	return lastErr
}

// publishThrottled emits a Tstat record on the stats port and/or a log
// line if the configured rate interval has elapsed, round-robining
// through per-block stats before the global one in PerBlock mode,
// matching tstats_output_throttled.
func (c *Chain) publishThrottled() {
	if c.cfg.Mode == Disabled {
		return
	}
	if c.outputLimiter != nil && c.cfg.StatsPort != nil && c.cfg.MakeStatsValue != nil {
		if c.outputLimiter.Allow(c.cfg.ID + ":out") {
			stat := c.nextRoundRobin()
			if v, err := c.cfg.MakeStatsValue(stat); err == nil {
				if err := c.cfg.StatsPort.WriteOut(v); err != nil {
					c.cfg.Log.Warn("stats publish failed", log.Err(err))
				}
			}
		}
	}
	if c.logLimiter != nil {
		if c.logLimiter.Allow(c.cfg.ID + ":log") {
			stat := c.currentLogTarget()
			c.cfg.Log.Info(stat.logLine())
		}
	}
}

// nextRoundRobin advances and returns the next stat in the
// (blk_tstats[0..n-1], global) cycle for PerBlock mode, or simply the
// global stat in Global mode.
func (c *Chain) nextRoundRobin() *Tstat {
	if c.cfg.Mode != PerBlock || len(c.perBlock) == 0 {
		return c.global
	}
	n := len(c.perBlock)
	idx := c.statsIdx
	c.statsIdx = (c.statsIdx + 1) % (n + 1)
	if idx < n {
		return c.perBlock[idx]
	}
	return c.global
}

func (c *Chain) currentLogTarget() *Tstat {
	if c.cfg.Mode != PerBlock || len(c.perBlock) == 0 {
		return c.global
	}
	// Log whatever was last published on the port's cycle for
	// consistency between the two throttled outputs.
	idx := c.statsIdx - 1
	if idx < 0 {
		idx = len(c.perBlock)
	}
	if idx < len(c.perBlock) {
		return c.perBlock[idx]
	}
	return c.global
}

// WriteProfile serialises every tracked Tstat to a CSV file at
// <ProfilePath>/<sanitized id>.tstats.
func (c *Chain) WriteProfile() error {
	if c.cfg.ProfilePath == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := sanitize(c.cfg.ID) + ".tstats"
	path := filepath.Join(c.cfg.ProfilePath, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trigger: write profile: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(csvHeader); err != nil {
		return err
	}
	if c.cfg.Mode == PerBlock {
		for _, s := range c.perBlock {
			if _, err := f.WriteString(s.csvRow()); err != nil {
				return err
			}
		}
	}
	if c.cfg.Mode != Disabled {
		if _, err := f.WriteString(c.global.csvRow()); err != nil {
			return err
		}
	}
	return nil
}

func sanitize(id string) string {
	return strings.ReplaceAll(id, "/", "-")
}

// GlobalStats returns a copy of the chain's aggregate timing stat.
func (c *Chain) GlobalStats() Tstat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.global
}

// BlockStats returns a copy of the i'th entry's per-block timing stat.
// Only meaningful in PerBlock mode; ok is false if i is out of range or
// the chain isn't tracking per-block stats.
func (c *Chain) BlockStats(i int) (stat Tstat, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.perBlock) {
		return Tstat{}, false
	}
	return *c.perBlock[i], true
}

// Len reports the number of entries in the chain.
func (c *Chain) Len() int { return len(c.entries) }
