package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/X1-UVM/pkg/rpc"
	"github.com/fortiblox/X1-UVM/pkg/simplechain"
	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/executor"
	"github.com/fortiblox/X1-UVM/pkg/uvm/vm"
)

var (
	apiNameFlag = &cli.StringFlag{
		Name:  "call",
		Usage: "api to invoke after deployment",
	}
	initArgsFlag = &cli.StringFlag{
		Name:  "init-args",
		Usage: "argument string passed to init",
	}
	breakFlag = &cli.IntSliceFlag{
		Name:  "break",
		Usage: "set a breakpoint at a source line",
	}
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "output file",
	}
	stripFlag = &cli.BoolFlag{
		Name:  "strip",
		Usage: "drop debug information from the chunk",
	}
	noCompressFlag = &cli.BoolFlag{
		Name:  "no-compress",
		Usage: "store the chunk uncompressed",
	}
)

var commandRun = &cli.Command{
	Name:      "run",
	Usage:     "deploy a module into a temporary chain and call one api",
	ArgsUsage: "<module file>",
	Flags:     append([]cli.Flag{apiNameFlag, initArgsFlag, argsFlag, callerFlag, limitFlag, jsonFlag}, manifestFlags...),
	Action: func(ctx *cli.Context) error {
		chain, addr, err := deployEphemeral(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		api := ctx.String(apiNameFlag.Name)
		if api == "" {
			fmt.Println(addr)
			return nil
		}
		from, err := caller(ctx)
		if err != nil {
			return err
		}
		info, err := chain.ContractInfo(addr)
		if err != nil {
			return err
		}
		if contains(info.OfflineAPIs, api) {
			res, err := chain.Call(context.Background(), addr, api, ctx.String(argsFlag.Name))
			if err != nil {
				return err
			}
			return printResult(ctx, res)
		}
		r, err := chain.Invoke(context.Background(), from, addr, api, ctx.String(argsFlag.Name))
		if err != nil {
			return err
		}
		return printReceipt(ctx, r)
	},
}

var commandDebug = &cli.Command{
	Name:      "debug",
	Usage:     "step through an api of a module in a temporary chain",
	ArgsUsage: "<module file> <api>",
	Description: `Commands read from standard input at each stop:

   c  continue       s  step into       n  step over
   o  step out       i  one instruction
   b LINE  set breakpoint    d LINE  clear breakpoint
   l  locals         u  upvalues        bt call stack
   q  abandon the run`,
	Flags: append([]cli.Flag{breakFlag, initArgsFlag, argsFlag, callerFlag, limitFlag}, manifestFlags...),
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("expected a module file and an api")
		}
		chain, addr, err := deployEphemeral(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		var bps []vm.Breakpoint
		for _, line := range ctx.IntSlice(breakFlag.Name) {
			bps = append(bps, vm.Breakpoint{Contract: addr, Line: line})
		}
		s, err := chain.Executor().Debug(addr, ctx.Args().Get(1), ctx.String(argsFlag.Name), bps)
		if err != nil {
			return err
		}
		defer s.Close()
		return debugLoop(s, addr, os.Stdin, os.Stdout)
	},
}

// debugLoop drives a session from line commands on in until the run
// completes or is abandoned.
func debugLoop(s *executor.DebugSession, contract string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for s.Stopped() {
		src, line := s.Location()
		fmt.Fprintf(out, "stopped at %s:%d\n> ", src, line)
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "c":
			_, err = s.Continue()
		case "s":
			_, err = s.StepInto()
		case "n":
			_, err = s.StepOver()
		case "o":
			_, err = s.StepOut()
		case "i":
			_, err = s.StepInstruction()
		case "b", "d":
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: b LINE")
				continue
			}
			n, perr := strconv.Atoi(fields[1])
			if perr != nil {
				fmt.Fprintf(out, "bad line %q\n", fields[1])
				continue
			}
			if fields[0] == "b" {
				s.SetBreakpoint(contract, n)
			} else {
				s.ClearBreakpoint(contract, n)
			}
		case "l":
			printVariables(out, s.Locals())
		case "u":
			printVariables(out, s.Upvalues())
		case "bt":
			for i, frame := range s.CallStack() {
				fmt.Fprintf(out, "#%d %s\n", i, frame)
			}
		case "q":
			fmt.Fprintln(out, "run abandoned")
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
		if err != nil {
			return err
		}
	}

	res := s.Result()
	if !res.Success() {
		fmt.Fprintf(out, "failed after %d instructions: %s\n", res.InstructionsUsed, res.Err)
		return nil
	}
	fmt.Fprintf(out, "result %s (%d instructions)\n", res.ResultJSON, res.InstructionsUsed)
	return nil
}

func printVariables(out io.Writer, vars []executor.Variable) {
	if len(vars) == 0 {
		fmt.Fprintln(out, "(none)")
	}
	for _, v := range vars {
		fmt.Fprintf(out, "%-16s %-8s %s\n", v.Name, v.Type, v.Value)
	}
}

var commandDisasm = &cli.Command{
	Name:      "disasm",
	Usage:     "print the instructions of a module or chunk",
	ArgsUsage: "<module file>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a module file")
		}
		path := ctx.Args().First()
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m, err := bytecode.DecodeModule(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		main, err := m.Proto(path)
		if err != nil {
			return err
		}
		fmt.Printf("; apis %v offline %v events %v\n", m.APIs, m.OfflineAPIs, m.Events)
		fmt.Print(bytecode.Disassemble(main))
		return nil
	},
}

var commandPack = &cli.Command{
	Name:      "pack",
	Usage:     "wrap a binary chunk and its manifests into a module container",
	ArgsUsage: "<chunk file>",
	Flags:     append([]cli.Flag{outputFlag, stripFlag, noCompressFlag}, manifestFlags...),
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a chunk file")
		}
		path := ctx.Args().First()
		m, err := readModule(ctx, path)
		if err != nil {
			return err
		}
		if ctx.Bool(stripFlag.Name) {
			main, err := m.Proto(path)
			if err != nil {
				return err
			}
			stripped, err := bytecode.Undump(bytecode.Dump(main, true), path)
			if err != nil {
				return err
			}
			m = bytecode.NewModule(stripped, m.APIs, m.OfflineAPIs, m.Events, m.StorageProperties)
		}
		data, err := m.Encode(!ctx.Bool(noCompressFlag.Name))
		if err != nil {
			return err
		}
		out := ctx.String(outputFlag.Name)
		if out == "" {
			out = strings.TrimSuffix(path, ".out") + ".uvm"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		log.Infof("wrote %s (%d bytes, code hash %s)", out, len(data), m.CodeHash())
		return nil
	},
}

var commandServe = &cli.Command{
	Name:  "serve",
	Usage: "serve the chain over JSON-RPC",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen address; overrides [rpc] addr"},
	},
	Action: func(ctx *cli.Context) error {
		f, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		cfg := f.RPCConfig()
		if ctx.IsSet("addr") {
			cfg.Addr = ctx.String("addr")
		}
		server := rpc.New(cfg, chain)

		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			log.Noticef("received signal %v, shutting down", sig)
			cancel()
		}()

		log.Noticef("serving chain at height %d on %s", chain.Height(), cfg.Addr)
		return server.Start(runCtx)
	},
}

// deployEphemeral deploys the module named by the first argument into an
// in-memory chain.
func deployEphemeral(ctx *cli.Context) (*simplechain.Chain, string, error) {
	if ctx.NArg() < 1 {
		return nil, "", errors.New("expected a module file")
	}
	from, err := caller(ctx)
	if err != nil {
		return nil, "", err
	}
	m, err := readModule(ctx, ctx.Args().First())
	if err != nil {
		return nil, "", err
	}
	chain, err := openChain(ctx, true)
	if err != nil {
		return nil, "", err
	}
	r, err := chain.Deploy(context.Background(), from, m, "", ctx.String(initArgsFlag.Name))
	if err != nil {
		chain.Close()
		return nil, "", err
	}
	if !r.Success() {
		chain.Close()
		return nil, "", fmt.Errorf("init failed: %s", r.Err)
	}
	return chain, r.Contract, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
