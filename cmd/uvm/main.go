// uvm runs and inspects UVM smart contracts.
//
// Contracts are deployed into a local simplechain under --data-dir, or into
// a throwaway in-memory chain for the run and debug commands. The serve
// command exposes the chain over JSON-RPC; remote talks to a running node.
package main

import (
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	"github.com/urfave/cli/v2"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/config"
	"github.com/fortiblox/X1-UVM/pkg/simplechain"

	_ "github.com/tliron/commonlog/simple"
)

// Version information, set via linker flags.
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var log = commonlog.GetLogger("uvm")

// Commonly used command line flags.
var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "configuration file (" + config.FileName + ")",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "chain data directory; overrides [chain] data-dir",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0 errors, 1 warnings, 2 info, 3 debug",
		Value: 1,
	}
	callerFlag = &cli.StringFlag{
		Name:  "caller",
		Usage: "caller address (default: a development account)",
	}
	limitFlag = &cli.Uint64Flag{
		Name:  "limit",
		Usage: "instruction limit; overrides [vm] instruction-limit",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "output JSON instead of human-readable format",
	}
)

var app = &cli.App{
	Name:    "uvm",
	Usage:   "run and inspect UVM smart contracts",
	Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
	Flags:   []cli.Flag{configFlag, dataDirFlag, verbosityFlag},
	Before: func(ctx *cli.Context) error {
		commonlog.Configure(ctx.Int(verbosityFlag.Name), nil)
		return nil
	},
	Commands: []*cli.Command{
		commandRun,
		commandDebug,
		commandDeploy,
		commandInvoke,
		commandCall,
		commandInfo,
		commandStorage,
		commandDisasm,
		commandPack,
		commandServe,
		commandRemote,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// devAccount is the caller used when --caller is not given.
var devAccount = types.NewAccountAddress([]byte("uvm-dev"))

// loadConfig reads the configuration file, if any, and applies the global
// flag overrides.
func loadConfig(ctx *cli.Context) (*config.File, error) {
	f := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		f.Chain.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(limitFlag.Name) {
		f.VM.InstructionLimit = ctx.Uint64(limitFlag.Name)
	}
	return f, nil
}

// openChain opens the chain described by the configuration. ephemeral
// forces an in-memory chain.
func openChain(ctx *cli.Context, ephemeral bool) (*simplechain.Chain, error) {
	f, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg := f.ChainConfig()
	if ephemeral {
		cfg.DataDir = ""
		cfg.AutoSeal = true
	}
	if cfg.DataDir == "" && !ephemeral {
		return nil, fmt.Errorf("no data directory: pass --%s or set [chain] data-dir", dataDirFlag.Name)
	}
	return simplechain.Open(cfg)
}

func caller(ctx *cli.Context) (string, error) {
	c := ctx.String(callerFlag.Name)
	if c == "" {
		return devAccount, nil
	}
	if !types.IsValidAddress(c) {
		return "", fmt.Errorf("invalid caller address %q", c)
	}
	return c, nil
}
