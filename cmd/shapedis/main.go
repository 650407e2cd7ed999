// main.go - shapedis command-line driver
//
// Disassembles an extracted fragment, renders the code/data layout, and can
// execute it in the sandboxed interpreter, either one-shot or from an
// interactive monitor.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/peterh/liner"
	"golang.org/x/term"

	shapevm "github.com/intuitionamiga/ShapeVM"
)

const historyFile = ".shapedis_history"

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(s string) error { *m = append(*m, s); return nil }

var (
	flagBase    = flag.String("base", "0x400000", "virtual address the fragment is loaded at")
	flagEntry   = flag.Int("entry", 0, "file offset to start disassembly/execution at")
	flagNonStd  = flag.String("nonstd", "do_start_interp", "comma-separated non-returning trampoline names")
	flagDump    = flag.Bool("dump", false, "dump the decoded block structures")
	flagRun     = flag.Bool("run", false, "execute the fragment after disassembly")
	flagMonitor = flag.Bool("monitor", false, "drop into the interactive monitor")

	flagTramps multiFlag // name:fileoffset:addr
	flagMaps   multiFlag // addr:value
	flagWMaps  multiFlag // addr:size
)

func main() {
	flag.Var(&flagTramps, "t", "trampoline as name:fileoffset:addr (repeatable)")
	flag.Var(&flagMaps, "map", "read-only input as addr:value (repeatable)")
	flag.Var(&flagWMaps, "wmap", "writable output buffer as addr:size (repeatable)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <fragment-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	code, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fatal("read fragment: %v", err)
	}

	base, err := parseUint32(*flagBase)
	if err != nil {
		fatal("-base: %v", err)
	}

	tramps, err := buildTrampolines(flagTramps, *flagNonStd)
	if err != nil {
		fatal("%v", err)
	}

	d := shapevm.NewDisasm(code, base, tramps)
	if err := d.Run(*flagEntry); err != nil {
		fatal("disassemble: %v", err)
	}

	printSegments(d.Segments())

	if *flagDump {
		spew.Dump(d.Blocks())
	}

	if *flagRun {
		it, err := buildInterp(d, base, tramps)
		if err != nil {
			fatal("%v", err)
		}
		exit, err := it.Run(*flagEntry)
		if err != nil {
			fatal("run: %v", err)
		}
		printExit(exit)
		printOutputs(it)
	}

	if *flagMonitor {
		if err := monitor(d, base, tramps); err != nil {
			fatal("monitor: %v", err)
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

// buildTrampolines parses the -t entries and applies the -nonstd names.
func buildTrampolines(specs []string, nonstd string) (*shapevm.TrampolineTable, error) {
	var list []shapevm.Trampoline
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("-t %q: want name:fileoffset:addr", s)
		}
		off, err := parseUint32(parts[1])
		if err != nil {
			return nil, fmt.Errorf("-t %q: offset: %v", s, err)
		}
		addr, err := parseUint32(parts[2])
		if err != nil {
			return nil, fmt.Errorf("-t %q: address: %v", s, err)
		}
		list = append(list, shapevm.Trampoline{Name: parts[0], FileOffset: off, Addr: addr})
	}
	t := shapevm.NewTrampolineTable(list)
	for _, name := range strings.Split(nonstd, ",") {
		if name = strings.TrimSpace(name); name != "" {
			t.MarkNonStandard(name)
		}
	}
	return t, nil
}

// buildInterp loads the discovered blocks and the -map/-wmap regions into a
// fresh interpreter.
func buildInterp(d *shapevm.Disasm, base uint32, tramps *shapevm.TrampolineTable) (*shapevm.Interp, error) {
	it := shapevm.NewInterp(base, tramps)
	for _, b := range d.Blocks() {
		it.AddCode(b)
	}
	for _, s := range flagMaps {
		addr, val, err := parsePair(s)
		if err != nil {
			return nil, fmt.Errorf("-map %q: %v", s, err)
		}
		it.MapValue(addr, val)
	}
	for _, s := range flagWMaps {
		addr, size, err := parsePair(s)
		if err != nil {
			return nil, fmt.Errorf("-wmap %q: %v", s, err)
		}
		it.MapWritable(addr, make([]byte, size))
	}
	return it, nil
}

func parsePair(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("want addr:value")
	}
	a, err := parseUint32(parts[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseUint32(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// ---------------------------------------------------------------------------
// Output rendering
// ---------------------------------------------------------------------------

var colorOK = term.IsTerminal(int(os.Stdout.Fd()))

func colorize(code, s string) string {
	if !colorOK {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func printSegments(segs []shapevm.Segment) {
	for _, s := range segs {
		switch s.Kind {
		case shapevm.SegCode:
			fmt.Println(colorize("36", fmt.Sprintf("; code @ %08X", s.Addr)))
			fmt.Print(s.Code.Listing())
		case shapevm.SegData:
			fmt.Println(colorize("33", fmt.Sprintf("; data @ %08X (%d bytes)", s.Addr, len(s.Data))))
			for i := 0; i < len(s.Data); i += 16 {
				end := i + 16
				if end > len(s.Data) {
					end = len(s.Data)
				}
				fmt.Printf("%08X  % X\n", s.Addr+uint32(i), s.Data[i:end])
			}
		}
	}
}

func printExit(exit *shapevm.Exit) {
	fmt.Printf("exit: %s", colorize("32", exit.Name))
	if len(exit.Args) > 0 {
		fmt.Print(" args")
		for _, a := range exit.Args {
			fmt.Printf(" 0x%X", a)
		}
	}
	if exit.ResumeOffset >= 0 {
		fmt.Printf(" resume 0x%X", exit.ResumeOffset)
	}
	fmt.Println()
}

func printOutputs(it *shapevm.Interp) {
	for _, s := range flagWMaps {
		addr, _, err := parsePair(s)
		if err != nil {
			continue
		}
		if buf := it.UnmapWritable(addr); buf != nil {
			fmt.Printf("out %08X  % X\n", addr, buf)
		}
	}
}

// ---------------------------------------------------------------------------
// Interactive monitor
// ---------------------------------------------------------------------------

func monitor(d *shapevm.Disasm, base uint32, tramps *shapevm.TrampolineTable) error {
	histPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		histPath = filepath.Join(home, historyFile)
	}

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(histPath); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}

	it, err := buildInterp(d, base, tramps)
	if err != nil {
		return err
	}

	fmt.Println("shapedis monitor - type help for commands")
	for {
		line, err := ln.Prompt("> ")
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		ln.AppendHistory(line)

		switch fields[0] {
		case "help":
			fmt.Println("dis             show the code/data layout")
			fmt.Println("dump            dump decoded block structures")
			fmt.Println("run [offset]    execute from offset (default 0)")
			fmt.Println("map a v         map read-only value v at address a")
			fmt.Println("wmap a n        map n-byte writable buffer at address a")
			fmt.Println("out a           show and release the buffer at address a")
			fmt.Println("arity name n    declare trampoline argument count")
			fmt.Println("regs            show the register file")
			fmt.Println("tramps          list known trampolines")
			fmt.Println("reset           fresh interpreter, keep mappings from flags")
			fmt.Println("quit            leave the monitor")

		case "dis":
			printSegments(d.Segments())

		case "dump":
			spew.Dump(d.Blocks())

		case "run":
			off := 0
			if len(fields) > 1 {
				v, err := parseUint32(fields[1])
				if err != nil {
					fmt.Println("run: bad offset:", err)
					continue
				}
				off = int(v)
			}
			exit, err := it.Run(off)
			if err != nil {
				fmt.Println("run:", err)
				continue
			}
			printExit(exit)

		case "map":
			if len(fields) != 3 {
				fmt.Println("map: want address value")
				continue
			}
			addr, e1 := parseUint32(fields[1])
			val, e2 := parseUint32(fields[2])
			if e1 != nil || e2 != nil {
				fmt.Println("map: bad number")
				continue
			}
			it.MapValue(addr, val)

		case "wmap":
			if len(fields) != 3 {
				fmt.Println("wmap: want address size")
				continue
			}
			addr, e1 := parseUint32(fields[1])
			size, e2 := parseUint32(fields[2])
			if e1 != nil || e2 != nil {
				fmt.Println("wmap: bad number")
				continue
			}
			it.MapWritable(addr, make([]byte, size))

		case "out":
			if len(fields) != 2 {
				fmt.Println("out: want address")
				continue
			}
			addr, err := parseUint32(fields[1])
			if err != nil {
				fmt.Println("out: bad address:", err)
				continue
			}
			buf := it.UnmapWritable(addr)
			if buf == nil {
				fmt.Println("out: no buffer mapped there")
				continue
			}
			fmt.Printf("%08X  % X\n", addr, buf)

		case "arity":
			if len(fields) != 3 {
				fmt.Println("arity: want name count")
				continue
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				fmt.Println("arity: bad count:", err)
				continue
			}
			it.SetTrampolineArity(fields[1], n)

		case "regs":
			fmt.Print(it.Regs.String())

		case "tramps":
			for _, tr := range tramps.All() {
				tag := ""
				if tramps.IsNonStandard(tr.Name) {
					tag = "  (non-standard)"
				}
				fmt.Printf("%-24s file+0x%X -> %08X%s\n", tr.Name, tr.FileOffset, tr.Addr, tag)
			}

		case "reset":
			it, err = buildInterp(d, base, tramps)
			if err != nil {
				fmt.Println("reset:", err)
			}

		case "quit", "exit":
			return nil

		default:
			fmt.Println("unknown command; type help")
		}
	}
}
