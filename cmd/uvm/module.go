package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/X1-UVM/pkg/uvm/bytecode"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// Manifest flags describe a bare binary chunk. They extend the manifests
// of a module container.
var (
	apiFlag = &cli.StringSliceFlag{
		Name:  "api",
		Usage: "declare a contract api",
	}
	offlineFlag = &cli.StringSliceFlag{
		Name:  "offline",
		Usage: "declare an offline contract api",
	}
	eventFlag = &cli.StringSliceFlag{
		Name:  "event",
		Usage: "declare a contract event",
	}
	storageFlag = &cli.StringSliceFlag{
		Name:  "storage",
		Usage: "declare a storage property as name:type (int, number, string, bool, table, array, ...)",
	}
)

var manifestFlags = []cli.Flag{apiFlag, offlineFlag, eventFlag, storageFlag}

// readModule loads a module container or binary chunk from path and merges
// the manifest flags into it.
func readModule(ctx *cli.Context, path string) (*bytecode.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := bytecode.DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	props := m.StorageProperties
	if props == nil {
		props = make(map[string]storage.Type)
	}
	for _, decl := range ctx.StringSlice(storageFlag.Name) {
		name, typ, ok := strings.Cut(decl, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid storage declaration %q, want name:type", decl)
		}
		t, err := storage.ParseType(typ)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", name, err)
		}
		props[name] = t
	}

	main, err := m.Proto(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := bytecode.NewModule(main,
		merge(m.APIs, ctx.StringSlice(apiFlag.Name)),
		merge(m.OfflineAPIs, ctx.StringSlice(offlineFlag.Name)),
		merge(m.Events, ctx.StringSlice(eventFlag.Name)),
		props)
	if len(out.APIs) == 0 && len(out.OfflineAPIs) == 0 {
		return nil, fmt.Errorf("%s declares no apis; pass --%s", path, apiFlag.Name)
	}
	return out, nil
}

func merge(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// printJSON writes v as indented JSON.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
