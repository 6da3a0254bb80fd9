package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/X1-UVM/pkg/journal"
	"github.com/fortiblox/X1-UVM/pkg/uvm/executor"
)

var (
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "register the contract under a name",
	}
	argsFlag = &cli.StringFlag{
		Name:  "args",
		Usage: "argument string passed to the api",
	}
	fastKeyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "fast-map key of the slot",
	}
)

var commandDeploy = &cli.Command{
	Name:      "deploy",
	Usage:     "deploy a contract module and run its init",
	ArgsUsage: "<module file>",
	Flags:     append([]cli.Flag{callerFlag, nameFlag, argsFlag, limitFlag, jsonFlag}, manifestFlags...),
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a module file")
		}
		from, err := caller(ctx)
		if err != nil {
			return err
		}
		m, err := readModule(ctx, ctx.Args().First())
		if err != nil {
			return err
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		r, err := chain.Deploy(context.Background(), from, m, ctx.String(nameFlag.Name), ctx.String(argsFlag.Name))
		if err != nil {
			return err
		}
		return printReceipt(ctx, r)
	},
}

var commandInvoke = &cli.Command{
	Name:      "invoke",
	Usage:     "call a contract api in a transaction",
	ArgsUsage: "<contract> <api>",
	Flags:     []cli.Flag{callerFlag, argsFlag, limitFlag, jsonFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("expected a contract and an api")
		}
		from, err := caller(ctx)
		if err != nil {
			return err
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		r, err := chain.Invoke(context.Background(), from, ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(argsFlag.Name))
		if err != nil {
			return err
		}
		return printReceipt(ctx, r)
	},
}

var commandCall = &cli.Command{
	Name:      "call",
	Usage:     "run an offline contract api",
	ArgsUsage: "<contract> <api>",
	Flags:     []cli.Flag{argsFlag, limitFlag, jsonFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("expected a contract and an api")
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		res, err := chain.Call(context.Background(), ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(argsFlag.Name))
		if err != nil {
			return err
		}
		return printResult(ctx, res)
	},
}

var commandInfo = &cli.Command{
	Name:      "info",
	Usage:     "describe a deployed contract",
	ArgsUsage: "<contract>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return errors.New("expected a contract")
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		info, err := chain.ContractInfo(ctx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(info)
	},
}

var commandStorage = &cli.Command{
	Name:      "storage",
	Usage:     "print the committed value of a storage slot",
	ArgsUsage: "<contract> <slot>",
	Flags:     []cli.Flag{fastKeyFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return errors.New("expected a contract and a slot name")
		}
		chain, err := openChain(ctx, false)
		if err != nil {
			return err
		}
		defer chain.Close()

		v, err := chain.Storage(ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(fastKeyFlag.Name))
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

func printReceipt(ctx *cli.Context, r *journal.Receipt) error {
	if ctx.Bool(jsonFlag.Name) {
		return printJSON(r)
	}
	fmt.Printf("transaction  %s\n", r.ID)
	fmt.Printf("height       %d\n", r.Height)
	fmt.Printf("contract     %s\n", r.Contract)
	fmt.Printf("instructions %d\n", r.InstructionsUsed)
	if !r.Success() {
		fmt.Printf("error        %s\n", r.Err)
		return nil
	}
	fmt.Printf("result       %s\n", r.Result)
	for _, cc := range r.Changes {
		names := make([]string, 0, len(cc.Changes))
		for _, ch := range cc.Changes {
			names = append(names, ch.Key.FullKey())
		}
		sort.Strings(names)
		fmt.Printf("changed      %s: %v\n", cc.Contract, names)
	}
	for _, ev := range r.Events {
		fmt.Printf("event        %s %s(%s)\n", ev.Contract, ev.Name, ev.Arg)
	}
	return nil
}

func printResult(ctx *cli.Context, res *executor.Result) error {
	if ctx.Bool(jsonFlag.Name) {
		return printJSON(res)
	}
	if !res.Success() {
		return fmt.Errorf("call failed after %d instructions: %s", res.InstructionsUsed, res.Err)
	}
	fmt.Println(res.ResultJSON)
	log.Infof("%d instructions", res.InstructionsUsed)
	return nil
}
