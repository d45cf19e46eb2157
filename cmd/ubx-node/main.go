// Command ubx-node assembles a minimal node from the built-in ramp
// block, a single trigger chain, and a periodic trigger, and runs it
// until SIGINT/SIGTERM. It is the module's worked example rather than
// a production deployment tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ubx-rt/ubxkernel/internal/arena"
	"github.com/ubx-rt/ubxkernel/internal/kernel"
	"github.com/ubx-rt/ubxkernel/internal/log"
	"github.com/ubx-rt/ubxkernel/internal/ptrig"
	"github.com/ubx-rt/ubxkernel/internal/rtlog"
	"github.com/ubx-rt/ubxkernel/internal/stdblocks"
	"github.com/ubx-rt/ubxkernel/internal/trigger"
)

func main() {
	period := flag.Duration("period", 100*time.Millisecond, "trigger period")
	logPath := flag.String("logfile", "", "realtime log shm file (disabled if empty)")
	flag.Parse()

	logger := log.Default("ubx-node")
	if err := run(logger, *period, *logPath); err != nil {
		logger.Error("node exited with error", log.Err(err))
		os.Exit(1)
	}
}

func run(logger *log.Logger, period time.Duration, logPath string) error {
	logger.Info("ubx-node starting", log.Duration("period", period))

	node := kernel.NewNode("ubx-node")
	node.Log = logger

	doubleType := &kernel.TypeDescriptor{Name: "double", Size: 8, Class: kernel.Basic}
	if err := node.TypeRegister(doubleType); err != nil {
		return fmt.Errorf("register type: %w", err)
	}

	mem := arena.NewDefault()
	if err := node.ModuleLoad(stdblocks.RampModule(doubleType, mem)); err != nil {
		return fmt.Errorf("load ramp module: %w", err)
	}

	ramp, err := node.BlockCreate("ramp", "ramp1")
	if err != nil {
		return fmt.Errorf("create ramp1: %w", err)
	}
	if err := node.BlockInit(ramp); err != nil {
		return fmt.Errorf("init ramp1: %w", err)
	}
	if err := node.BlockStart(ramp); err != nil {
		return fmt.Errorf("start ramp1: %w", err)
	}

	var rtw *rtlog.Writer
	if logPath != "" {
		rtw, err = rtlog.Create(logPath, rtlog.DefaultDepth)
		if err != nil {
			return fmt.Errorf("create log buffer: %w", err)
		}
		defer rtw.Close()
	}

	chain := trigger.New(trigger.Config{
		ID:   "main",
		Mode: trigger.Global,
		Log:  logger,
	}, []*trigger.Entry{trigger.NewEntry(ramp, 1, 1)})

	pt := ptrig.New(ptrig.Config{
		Name:   "main",
		Period: period,
		Chains: []*trigger.Chain{chain},
		Log:    logger,
	})

	// Wrapping pt as a kernel.Block, the same way ring.NewBlock wraps the
	// ring, puts the worker's lifecycle and its active_chain port under
	// the reflective kernel instead of calling Init/Start/Stop/Cleanup on
	// a bare Go struct.
	int32Type := &kernel.TypeDescriptor{Name: "int32", Size: 4, Class: kernel.Basic}
	if err := node.TypeRegister(int32Type); err != nil {
		return fmt.Errorf("register int32 type: %w", err)
	}
	if err := node.RegisterPrototype(ptrig.NewBlock("periodic_trigger", node, pt, int32Type)); err != nil {
		return fmt.Errorf("register periodic_trigger prototype: %w", err)
	}
	ptBlock, err := node.BlockCreate("periodic_trigger", "main")
	if err != nil {
		return fmt.Errorf("create periodic_trigger: %w", err)
	}
	if err := node.BlockInit(ptBlock); err != nil {
		return fmt.Errorf("init periodic_trigger: %w", err)
	}
	if err := node.BlockStart(ptBlock); err != nil {
		return fmt.Errorf("start periodic_trigger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutdown signal received")
	shutdownFns := []func() error{
		func() error { return node.BlockStop(ptBlock) },
		func() error { return node.BlockCleanup(ptBlock) },
		func() error { return node.BlockStop(ramp) },
		func() error { return node.BlockCleanup(ramp) },
	}
	var firstErr error
	for i := len(shutdownFns) - 1; i >= 0; i-- {
		if err := shutdownFns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	node.Cleanup()

	if rtw != nil {
		stats := chain.GlobalStats()
		rtw.Log(rtlog.Info, "ubx-node", fmt.Sprintf("shut down after %d firings", stats.Count))
	}

	logger.Info("ubx-node stopped")
	return firstErr
}
