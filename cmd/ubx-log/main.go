// Command ubx-log tails a realtime SPSC log buffer, printing each
// frame as "[<sec>.<µsec>] <src> <LEVEL>: <msg>".
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ubx-rt/ubxkernel/internal/rtlog"
)

var levelColors = map[rtlog.Level]string{
	rtlog.Emerg:  "\033[35m",
	rtlog.Alert:  "\033[35m",
	rtlog.Crit:   "\033[31m",
	rtlog.Err:    "\033[31m",
	rtlog.Warn:   "\033[33m",
	rtlog.Notice: "\033[36m",
	rtlog.Info:   "\033[32m",
	rtlog.Debug:  "\033[36m",
}

const colorReset = "\033[0m"

func main() {
	noColor := flag.Bool("N", false, "disable colour output")
	skipBacklog := flag.Bool("O", false, "skip existing backlog, only show new frames")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ubx-log [-N] [-O] <path>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	r, err := rtlog.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ubx-log: open: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	if *skipBacklog {
		r.ResetRead()
	} else {
		r.SeekToOldest()
	}

	colorize := !*noColor
	for {
		rec, ok, status := r.ReadFrame()
		switch {
		case ok:
			printRecord(rec, colorize)
		case status == rtlog.Overrun:
			fmt.Fprintln(os.Stderr, "ubx-log: overrun, resynchronizing")
			r.SeekToOldest()
		case status == rtlog.NoData:
			if recreated, err := r.Recreated(); err == nil && recreated {
				if err := r.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "ubx-log: reopen: %v\n", err)
					os.Exit(1)
				}
				r.ResetRead()
				continue
			}
			time.Sleep(10 * time.Millisecond)
		default:
			fmt.Fprintln(os.Stderr, "ubx-log: reader error")
			os.Exit(1)
		}
	}
}

func printRecord(rec rtlog.Record, colorize bool) {
	line := fmt.Sprintf("[%d.%06d] %s %s: %s",
		rec.Time.Unix(), rec.Time.Nanosecond()/1000, rec.Src, rec.Level, rec.Msg)
	if colorize {
		fmt.Println(levelColors[rec.Level] + line + colorReset)
	} else {
		fmt.Println(line)
	}
}
