// Package ptrig implements the periodic trigger: a dedicated
// worker goroutine that ticks one of several configured trigger
// chains to an absolute monotonic deadline, with a desired/thread
// state handshake for cooperative start/stop/cleanup. The two-state
// handshake (owner-set desired state, worker-reported thread state
// under a mutex + condition variable) generalizes the state-machine
// idiom the supervisor packages use for goroutine lifecycle
// (desired/observed state pairs, start/stop/cleanup as distinct
// verbs) to this spec's single-purpose worker.
package ptrig

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ubx-rt/ubxkernel/internal/kernel"
	"github.com/ubx-rt/ubxkernel/internal/log"
	"github.com/ubx-rt/ubxkernel/internal/trigger"
)

// SchedPolicy mirrors the POSIX scheduling classes named in the
// configuration.
type SchedPolicy int

const (
	SchedOther SchedPolicy = iota
	SchedFIFO
	SchedRR
)

// Config configures a PeriodicTrigger.
type Config struct {
	Name          string
	Period        time.Duration
	SchedPolicy   SchedPolicy
	SchedPriority int
	ThreadName    string
	Chains        []*trigger.Chain // chainN, index-selected by ActiveChain
	Log           *log.Logger
}

type desiredState int

const (
	desiredPreinit desiredState = iota
	desiredInactive
	desiredActive
)

// PeriodicTrigger wraps one or more Chains in a worker goroutine that
// ticks to an absolute-time monotonic clock, never attempting to catch
// up skipped cycles.
type PeriodicTrigger struct {
	cfg Config

	mu          sync.Mutex
	cond        *sync.Cond
	desired     desiredState
	threadState desiredState
	activeChain int

	// activeChainPort, when set by NewBlock's Init hook, is polled once
	// per cycle for a new chain selection, matching the active_chain
	// input port in the worker loop below.
	activeChainPort *kernel.Port

	stopOnce sync.Once
	done     chan struct{}
}

// New constructs a PeriodicTrigger in the Preinit thread state; the
// worker goroutine is not started until Init.
func New(cfg Config) *PeriodicTrigger {
	if cfg.Log == nil {
		cfg.Log = log.Default("ptrig")
	}
	if len(cfg.Chains) == 0 {
		panic("ptrig: at least one chain required")
	}
	p := &PeriodicTrigger{cfg: cfg, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Init starts the worker goroutine (thread creation). Scheduling
// policy/priority are applied on a best-effort basis via
// unix.SchedSetattr — failures are logged, not fatal, since a
// non-realtime host (container without CAP_SYS_NICE, non-Linux, etc)
// cannot honor SCHED_FIFO/SCHED_RR and that is expected to be
// platform-dependent.
func (p *PeriodicTrigger) Init() error {
	go p.run()
	return nil
}

// Start sets desired_state = Active and signals the worker.
func (p *PeriodicTrigger) Start() error {
	p.mu.Lock()
	p.desired = desiredActive
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// Stop sets desired_state = Inactive; the worker idles at its next
// cond-wait point.
func (p *PeriodicTrigger) Stop() error {
	p.mu.Lock()
	p.desired = desiredInactive
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// Cleanup sets desired_state = Preinit and polls thread_state up to
// ~300ms for a graceful exit. If the worker has not acknowledged by
// then, Cleanup logs a warning and closes the done channel, which ends
// the worker's sleep between ticks; it returns without waiting for the
// worker goroutine to exit.
func (p *PeriodicTrigger) Cleanup() error {
	p.mu.Lock()
	p.desired = desiredPreinit
	p.cond.Broadcast()
	p.mu.Unlock()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		ts := p.threadState
		p.mu.Unlock()
		if ts == desiredPreinit {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.cfg.Log.Warn("worker did not acknowledge cleanup within deadline, forcing exit", log.String("trigger", p.cfg.Name))
	p.stopOnce.Do(func() { close(p.done) })
	return nil
}

// SetActiveChain selects which configured chain the worker runs next
// cycle, mirroring the active_chain input port. An out-of-range index
// is logged and leaves the active chain unchanged.
func (p *PeriodicTrigger) SetActiveChain(idx int) {
	if idx < 0 || idx >= len(p.cfg.Chains) {
		p.cfg.Log.Warn("active_chain index out of range, leaving chain unchanged",
			log.String("trigger", p.cfg.Name), log.Int("index", idx), log.Int("num_chains", len(p.cfg.Chains)))
		return
	}
	p.mu.Lock()
	p.activeChain = idx
	p.mu.Unlock()
}

func (p *PeriodicTrigger) run() {
	// sched_setattr applies to the calling OS thread; pin this goroutine
	// to one so a scheduling hint set below actually sticks for the
	// worker's lifetime instead of being lost on the next goroutine
	// migration.
	runtime.LockOSThread()
	p.applySchedHints()

	deadline := time.Now()
	for {
		p.mu.Lock()
		for p.desired != desiredActive {
			p.threadState = p.desired
			if p.desired == desiredPreinit {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
			deadline = time.Now()
		}
		p.threadState = desiredActive
		p.mu.Unlock()

		select {
		case <-p.done:
			return
		default:
		}

		if port := p.activeChainPort; port != nil {
			if v, err := port.ReadIn(); err == nil {
				if idx, ok := decodeInt32(v); ok {
					p.SetActiveChain(idx)
				}
			}
		}

		p.mu.Lock()
		chainIdx := p.activeChain
		p.mu.Unlock()

		chain := p.cfg.Chains[chainIdx]
		if err := chain.Fire(); err != nil {
			p.cfg.Log.Warn("chain fire failed", log.String("trigger", p.cfg.Name), log.Err(err))
		}

		deadline = deadline.Add(p.cfg.Period)
		sleepUntilAbsolute(deadline, p.done)
	}
}

// sleepUntilAbsolute blocks until deadline, or until done is closed.
// No drift catch-up: if deadline has already passed, it returns
// immediately and the caller's next deadline still advances by exactly
// one period from the missed one (does not attempt to catch up).
func sleepUntilAbsolute(deadline time.Time, done <-chan struct{}) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
	}
}

// applySchedHints attempts to apply the configured scheduling policy
// and priority to the current OS thread via sched_setattr. Linux-only
// and best-effort: errors are logged and otherwise ignored, since the
// contract never requires the host to honor them.
func (p *PeriodicTrigger) applySchedHints() {
	if p.cfg.SchedPolicy == SchedOther {
		return
	}
	var policy uint32
	switch p.cfg.SchedPolicy {
	case SchedFIFO:
		policy = unix.SCHED_FIFO
	case SchedRR:
		policy = unix.SCHED_RR
	default:
		return
	}
	attr := &unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   policy,
		Priority: uint32(p.cfg.SchedPriority),
	}
	if err := unix.SchedSetattr(0, attr, 0); err != nil {
		p.cfg.Log.Warn("sched_setattr failed, continuing under default scheduling",
			log.String("trigger", p.cfg.Name), log.Err(err))
	}
}

func encodeInt32(buf []byte, v int32) {
	u := uint32(v)
	for i := 0; i < 4; i++ {
		buf[i] = byte(u >> (8 * i))
	}
}

func decodeInt32(v *kernel.Value) (int, bool) {
	buf := v.Bytes()
	if len(buf) < 4 {
		return 0, false
	}
	var u uint32
	for i := 3; i >= 0; i-- {
		u = u<<8 | uint32(buf[i])
	}
	return int(int32(u)), true
}

// NewBlock wraps trigger as a kernel.Block so the worker's lifecycle is
// driven by the reflective kernel like any other block: Init/Start/Stop/
// Cleanup delegate to trigger, and an "active_chain" input port lets a
// connected interaction select the running chain each cycle (mirroring
// ring.NewBlock's wrap-a-primitive-as-a-block shape). node is used to
// register one dynamically-added "chainN" config per configured chain
// during Init, holding that chain's entry count for introspection —
// the chain's actual wiring is expressed through the Go-native
// trigger.Chain/Entry objects already passed into Config, not re-parsed
// from these configs.
func NewBlock(name string, node *kernel.Node, trig *PeriodicTrigger, intType *kernel.TypeDescriptor) *kernel.Block {
	setInt := func(blk *kernel.Block, cfgName string, val int32) error {
		v, err := kernel.NewValue(node.Mem, intType, 1)
		if err != nil {
			return err
		}
		encodeInt32(v.Bytes(), val)
		blk.Config(cfgName).Set(v)
		return nil
	}

	b := kernel.NewPrototype(name, kernel.Computation, "periodic trigger worker", kernel.Hooks{
		Init: func(blk *kernel.Block) error {
			trig.activeChainPort = blk.Port("active_chain")
			if err := setInt(blk, "num_chains", int32(len(trig.cfg.Chains))); err != nil {
				return err
			}
			if err := setInt(blk, "sched_policy", int32(trig.cfg.SchedPolicy)); err != nil {
				return err
			}
			if err := setInt(blk, "sched_priority", int32(trig.cfg.SchedPriority)); err != nil {
				return err
			}
			for i, ch := range trig.cfg.Chains {
				c, err := node.ConfigAdd(blk, fmt.Sprintf("chain%d", i), intType.Name, 0, 1)
				if err != nil {
					return err
				}
				v, err := kernel.NewValue(node.Mem, intType, 1)
				if err != nil {
					return err
				}
				encodeInt32(v.Bytes(), int32(ch.Len()))
				c.Set(v)
			}
			return trig.Init()
		},
		Start:   func(*kernel.Block) error { return trig.Start() },
		Stop:    func(*kernel.Block) { _ = trig.Stop() },
		Cleanup: func(*kernel.Block) { _ = trig.Cleanup() },
	})
	b.IsTrigger = true
	b.AddPort("active_chain", "selects which configured chain runs next cycle", kernel.DirIn, intType.Name, "", 1, 0)
	b.AddConfig("num_chains", "count of configured chain slots", intType.Name, 0, 1)
	b.AddConfig("sched_policy", "SCHED_OTHER (0), SCHED_FIFO (1) or SCHED_RR (2)", intType.Name, 0, 1)
	b.AddConfig("sched_priority", "realtime priority, only meaningful under FIFO/RR", intType.Name, 0, 1)
	return b
}

// WithTimeout runs fn with a context bound to the configured period,
// used by callers that want a single synchronous "simple trigger" fire
// without a worker goroutine: non-periodic triggers perform their
// chain synchronously on the caller's thread.
func WithTimeout(period time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), period)
	defer cancel()
	return fn(ctx)
}
