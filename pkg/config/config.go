// Package config handles the uvm.toml node configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/X1-UVM/pkg/rpc"
	"github.com/fortiblox/X1-UVM/pkg/simplechain"
	"github.com/fortiblox/X1-UVM/pkg/uvm/vm"
)

// FileName is the conventional name of a configuration file.
const FileName = "uvm.toml"

// File is a decoded configuration file.
type File struct {
	VM      VM      `toml:"vm"`
	Storage Storage `toml:"storage"`
	Chain   Chain   `toml:"chain"`
	RPC     RPC     `toml:"rpc"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// VM configures contract threads.
type VM struct {
	InstructionLimit uint64 `toml:"instruction-limit"`
	MaxCallDepth     int    `toml:"max-call-depth"`
	MaxContractDepth int    `toml:"max-contract-depth"`
	MaxHeapSize      uint64 `toml:"max-heap-size"`
	ModuleCacheSize  int    `toml:"module-cache-size"`
	AllowDebug       bool   `toml:"allow-debug"`
}

// Storage configures chain-version dependent storage behavior.
type Storage struct {
	UseCBORDiff      bool `toml:"use-cbor-diff"`
	UseFastMapSetNil bool `toml:"use-fast-map-set-nil"`
}

// Chain configures the simplechain host.
type Chain struct {
	DataDir         string           `toml:"data-dir"`
	AssetSymbol     string           `toml:"asset-symbol"`
	AssetPrecision  int64            `toml:"asset-precision"`
	TransactionFee  int64            `toml:"transaction-fee"`
	AutoSeal        bool             `toml:"auto-seal"`
	CompressModules bool             `toml:"compress-modules"`
	StateCacheBytes int              `toml:"state-cache-bytes"`
	RetainBlocks    uint64           `toml:"retain-blocks"`
	Forks           map[string]int64 `toml:"forks"`
}

// RPC configures the JSON-RPC server.
type RPC struct {
	Enabled        bool          `toml:"enabled"`
	Addr           string        `toml:"addr"`
	ReadTimeout    time.Duration `toml:"read-timeout"`
	WriteTimeout   time.Duration `toml:"write-timeout"`
	CallTimeout    time.Duration `toml:"call-timeout"`
	MaxRequestSize int64         `toml:"max-request-size"`
	EnableCORS     bool          `toml:"enable-cors"`
	AllowedOrigins []string      `toml:"allowed-origins"`
	LogRequests    bool          `toml:"log-requests"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	vmc := vm.DefaultConfig()
	chain := simplechain.DefaultConfig()
	server := rpc.DefaultConfig()
	return &File{
		VM: VM{
			InstructionLimit: vmc.InstructionLimit,
			MaxCallDepth:     vmc.MaxCallDepth,
			MaxContractDepth: vmc.MaxContractDepth,
			MaxHeapSize:      vmc.Arena.MaxHeapSize,
			ModuleCacheSize:  chain.Executor.CacheSize,
		},
		Chain: Chain{
			AssetSymbol:     chain.AssetSymbol,
			AssetPrecision:  chain.AssetPrecision,
			AutoSeal:        chain.AutoSeal,
			CompressModules: chain.CompressModules,
			StateCacheBytes: chain.StateCacheBytes,
			Forks:           map[string]int64{},
		},
		RPC: RPC{
			Addr:           server.Addr,
			ReadTimeout:    server.ReadTimeout,
			WriteTimeout:   server.WriteTimeout,
			CallTimeout:    server.CallTimeout,
			MaxRequestSize: server.MaxRequestSize,
			EnableCORS:     server.EnableCORS,
		},
	}
}

// Parse decodes a configuration over the defaults.
func Parse(data string) (*File, error) {
	f := Default()
	md, err := toml.Decode(data, f)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration key %q", undecoded[0].String())
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and decodes a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	f, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Validate checks the configuration for values no component accepts.
func (f *File) Validate() error {
	if f.VM.MaxCallDepth < 0 || f.VM.MaxContractDepth < 0 {
		return errors.New("vm depth limits must not be negative")
	}
	if f.VM.ModuleCacheSize < 0 {
		return errors.New("vm module-cache-size must not be negative")
	}
	if f.Chain.AssetPrecision < 0 || f.Chain.AssetPrecision > 18 {
		return fmt.Errorf("chain asset-precision %d out of range", f.Chain.AssetPrecision)
	}
	if f.Chain.TransactionFee < 0 {
		return errors.New("chain transaction-fee must not be negative")
	}
	for name, h := range f.Chain.Forks {
		if h < 0 {
			return fmt.Errorf("fork %s has negative height", name)
		}
	}
	if f.RPC.Enabled && f.RPC.Addr == "" {
		return errors.New("rpc addr is required when rpc is enabled")
	}
	if f.RPC.MaxRequestSize < 0 {
		return errors.New("rpc max-request-size must not be negative")
	}
	return nil
}

// VMConfig returns the thread configuration.
func (f *File) VMConfig() vm.Config {
	c := vm.DefaultConfig()
	c.InstructionLimit = f.VM.InstructionLimit
	if f.VM.MaxCallDepth > 0 {
		c.MaxCallDepth = f.VM.MaxCallDepth
	}
	if f.VM.MaxContractDepth > 0 {
		c.MaxContractDepth = f.VM.MaxContractDepth
	}
	if f.VM.MaxHeapSize > 0 {
		c.Arena.MaxHeapSize = f.VM.MaxHeapSize
	}
	c.AllowDebug = f.VM.AllowDebug
	c.Storage.UseCBORDiff = f.Storage.UseCBORDiff
	c.Storage.UseFastMapSetNil = f.Storage.UseFastMapSetNil
	return c
}

// ChainConfig returns the simplechain configuration.
func (f *File) ChainConfig() simplechain.Config {
	c := simplechain.DefaultConfig()
	c.DataDir = f.Chain.DataDir
	c.Executor.VM = f.VMConfig()
	if f.VM.ModuleCacheSize > 0 {
		c.Executor.CacheSize = f.VM.ModuleCacheSize
	}
	c.MaxCallDepth = c.Executor.VM.MaxCallDepth
	if f.Chain.AssetSymbol != "" {
		c.AssetSymbol = f.Chain.AssetSymbol
		c.AssetPrecision = f.Chain.AssetPrecision
	}
	c.TransactionFee = f.Chain.TransactionFee
	c.AutoSeal = f.Chain.AutoSeal
	c.CompressModules = f.Chain.CompressModules
	if f.Chain.StateCacheBytes > 0 {
		c.StateCacheBytes = f.Chain.StateCacheBytes
	}
	c.RetainBlocks = f.Chain.RetainBlocks
	for name, h := range f.Chain.Forks {
		c.Forks[name] = h
	}
	return c
}

// RPCConfig returns the JSON-RPC server configuration.
func (f *File) RPCConfig() rpc.Config {
	c := rpc.DefaultConfig()
	if f.RPC.Addr != "" {
		c.Addr = f.RPC.Addr
	}
	if f.RPC.ReadTimeout > 0 {
		c.ReadTimeout = f.RPC.ReadTimeout
	}
	if f.RPC.WriteTimeout > 0 {
		c.WriteTimeout = f.RPC.WriteTimeout
	}
	c.CallTimeout = f.RPC.CallTimeout
	if f.RPC.MaxRequestSize > 0 {
		c.MaxRequestSize = f.RPC.MaxRequestSize
	}
	c.EnableCORS = f.RPC.EnableCORS
	c.AllowedOrigins = f.RPC.AllowedOrigins
	c.LogRequests = f.RPC.LogRequests
	return c
}
