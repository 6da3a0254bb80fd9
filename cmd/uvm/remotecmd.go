package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/X1-UVM/pkg/rpcclient"
)

var (
	endpointFlag = &cli.StringSliceFlag{
		Name:    "endpoint",
		Aliases: []string{"e"},
		Usage:   "uvm node JSON-RPC url",
		Value:   cli.NewStringSlice("http://localhost:8960"),
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "request timeout",
		Value: 10 * time.Second,
	}
)

var commandRemote = &cli.Command{
	Name:  "remote",
	Usage: "query and call a running uvm node",
	Flags: []cli.Flag{endpointFlag, timeoutFlag},
	Subcommands: []*cli.Command{
		{
			Name:  "height",
			Usage: "print the node height",
			Action: func(ctx *cli.Context) error {
				h, err := remoteClient(ctx).Height(context.Background())
				if err != nil {
					return err
				}
				fmt.Println(h)
				return nil
			},
		},
		{
			Name:      "invoke",
			Usage:     "call a contract api in a transaction",
			ArgsUsage: "<contract> <api>",
			Flags:     []cli.Flag{callerFlag, argsFlag},
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return errors.New("expected a contract and an api")
				}
				from, err := caller(ctx)
				if err != nil {
					return err
				}
				tx, err := remoteClient(ctx).Invoke(context.Background(), from, ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(argsFlag.Name))
				if err != nil {
					return err
				}
				return printJSON(tx)
			},
		},
		{
			Name:      "call",
			Usage:     "run an offline contract api",
			ArgsUsage: "<contract> <api>",
			Flags:     []cli.Flag{argsFlag},
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return errors.New("expected a contract and an api")
				}
				res, err := remoteClient(ctx).CallOffline(context.Background(), ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(argsFlag.Name))
				if err != nil {
					return err
				}
				return printJSON(res)
			},
		},
		{
			Name:      "storage",
			Usage:     "print a committed storage slot",
			ArgsUsage: "<contract> <slot>",
			Flags:     []cli.Flag{fastKeyFlag},
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return errors.New("expected a contract and a slot name")
				}
				v, err := remoteClient(ctx).Storage(context.Background(), ctx.Args().Get(0), ctx.Args().Get(1), ctx.String(fastKeyFlag.Name))
				if err != nil {
					return err
				}
				fmt.Println(string(v))
				return nil
			},
		},
		{
			Name:  "status",
			Usage: "check the height and health of every endpoint",
			Action: func(ctx *cli.Context) error {
				client := remoteClient(ctx)
				client.Refresh(context.Background())
				for _, ep := range client.Pool().Endpoints() {
					if ep.Healthy {
						fmt.Printf("%-32s ok      height %d\n", ep.URL, ep.Height)
					} else {
						fmt.Printf("%-32s failing %v\n", ep.URL, ep.LastError)
					}
				}
				return nil
			},
		},
	},
}

func remoteClient(ctx *cli.Context) *rpcclient.Client {
	return rpcclient.New(rpcclient.NewPool(ctx.StringSlice(endpointFlag.Name)), ctx.Duration(timeoutFlag.Name))
}
