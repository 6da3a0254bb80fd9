package bytecode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/X1-UVM/internal/types"
	"github.com/fortiblox/X1-UVM/pkg/uvm/storage"
)

// CompressedMagic prefixes a zstd-compressed module container.
const CompressedMagic = "UVMZ"

// MaxModuleSize bounds the decompressed size of a module container.
const MaxModuleSize = 64 << 20

var (
	// ErrBadModule is returned when a module container cannot be decoded.
	ErrBadModule = errors.New("invalid contract module")

	// ErrModuleTooLarge is returned when a container exceeds MaxModuleSize.
	ErrModuleTooLarge = errors.New("contract module too large")
)

// Special contract apis that may only be invoked by the chain itself.
var SpecialAPIs = []string{"init", "on_deposit", "on_deposit_asset", "on_destroy", "on_upgrade", "on_missing"}

// IsSpecialAPI reports whether name is one of SpecialAPIs.
func IsSpecialAPI(name string) bool {
	for _, s := range SpecialAPIs {
		if s == name {
			return true
		}
	}
	return false
}

// Module is a deployable contract: its code chunk plus the api, event and
// storage manifests the chain checks calls and writes against.
type Module struct {
	Code              []byte                  `cbor:"1,keyasint"`
	APIs              []string                `cbor:"2,keyasint"`
	OfflineAPIs       []string                `cbor:"3,keyasint,omitempty"`
	Events            []string                `cbor:"4,keyasint,omitempty"`
	StorageProperties map[string]storage.Type `cbor:"5,keyasint,omitempty"`
	Name              string                  `cbor:"6,keyasint,omitempty"`
}

var (
	moduleEncMode cbor.EncMode
	moduleDecMode cbor.DecMode

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	moduleEncMode = em
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR dec mode: %v", err))
	}
	moduleDecMode = dm
}

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxModuleSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// NewModule builds a module from a main prototype. The api list is sorted.
func NewModule(main *Proto, apis, offline, events []string, props map[string]storage.Type) *Module {
	m := &Module{
		Code:              Dump(main, false),
		APIs:              append([]string(nil), apis...),
		OfflineAPIs:       append([]string(nil), offline...),
		Events:            append([]string(nil), events...),
		StorageProperties: make(map[string]storage.Type, len(props)),
	}
	sort.Strings(m.APIs)
	sort.Strings(m.OfflineAPIs)
	for k, v := range props {
		m.StorageProperties[k] = v
	}
	return m
}

// Proto decodes and validates the main prototype of the module.
func (m *Module) Proto(name string) (*Proto, error) {
	p, err := Undump(m.Code, name)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// HasAPI reports whether the module declares api.
func (m *Module) HasAPI(api string) bool {
	return contains(m.APIs, api) || contains(m.OfflineAPIs, api)
}

// IsOffline reports whether api is declared offline.
func (m *Module) IsOffline(api string) bool {
	return contains(m.OfflineAPIs, api)
}

// HasEvent reports whether the module declares event.
func (m *Module) HasEvent(event string) bool {
	return contains(m.Events, event)
}

// CodeHash returns the BLAKE3 digest of the code chunk.
func (m *Module) CodeHash() types.Hash {
	return types.ComputeHash(m.Code)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Encode serializes the module as canonical CBOR, zstd-compressed behind
// CompressedMagic when compress is set.
func (m *Module) Encode(compress bool) ([]byte, error) {
	data, err := moduleEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode module: %w", err)
	}
	if !compress {
		return data, nil
	}
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	out := append([]byte(CompressedMagic), enc.EncodeAll(data, nil)...)
	return out, nil
}

// DecodeModule decodes the output of Encode. A bare binary chunk is also
// accepted and yields a module with no manifests.
func DecodeModule(data []byte) (*Module, error) {
	if IsChunk(data) {
		return &Module{Code: append([]byte(nil), data...)}, nil
	}
	if bytes.HasPrefix(data, []byte(CompressedMagic)) {
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		raw, err := dec.DecodeAll(data[len(CompressedMagic):], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrBadModule, err)
		}
		data = raw
	}
	if len(data) > MaxModuleSize {
		return nil, ErrModuleTooLarge
	}
	var m Module
	if err := moduleDecMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadModule, err)
	}
	if !IsChunk(m.Code) {
		return nil, fmt.Errorf("%w: code is not a binary chunk", ErrBadModule)
	}
	return &m, nil
}
