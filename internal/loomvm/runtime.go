package loomvm

import (
	"encoding/binary"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"
	lru "github.com/hashicorp/golang-lru/v2"

	"norn.network/weave/internal/hash"
	"norn.network/weave/internal/thread"
)

// moduleCacheSize bounds how many distinct compiled wasmtime.Modules a
// Runtime keeps warm. Execute/Query re-instantiate on every call, so
// without this a busy loom recompiles its own unchanged bytecode on
// every invocation.
const moduleCacheSize = 64

// Runtime compiles loom bytecode and instantiates it against a fresh
// HostState. A single Runtime's *wasmtime.Engine is shared across every
// instantiation, and compiled modules are cached by their bytecode hash
// so repeated Execute/Query calls against the same loom skip recompilation.
type Runtime struct {
	engine  *wasmtime.Engine
	modules *lru.Cache[hash.Hash, *wasmtime.Module]
}

// New builds a Runtime with fuel metering enabled.
func New() *Runtime {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	modules, err := lru.New[hash.Hash, *wasmtime.Module](moduleCacheSize)
	if err != nil {
		panic(fmt.Sprintf("loomvm: moduleCacheSize must be positive: %v", err))
	}
	return &Runtime{engine: wasmtime.NewEngineWithConfig(cfg), modules: modules}
}

// Instance is a loom contract compiled and instantiated against a single
// HostState. Every call mutates state on the captured HostState directly,
// rather than threading it back through wasmtime — the Go host function
// closures below each capture *HostState, standing in for the generic
// Store<LoomHostState> a Rust embedding would use.
type Instance struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	host     *HostState
	gasLimit uint64
}

// Instantiate compiles bytecode and links it against the "norn" host ABI,
// seeding the instance with host. It caps the instance's memory at
// MaxMemoryBytes and meters execution at host.GasLimit units of fuel.
func (r *Runtime) Instantiate(bytecode []byte, host *HostState) (*Instance, error) {
	module, err := r.compile(bytecode)
	if err != nil {
		return nil, err
	}

	store := wasmtime.NewStore(r.engine)
	store.Limiter(MaxMemoryBytes, -1, -1, -1, -1)
	if err := store.SetFuel(host.GasLimit); err != nil {
		return nil, fmt.Errorf("loomvm: set fuel: %w", err)
	}

	linker := wasmtime.NewLinker(r.engine)
	if err := linkHostABI(linker, host); err != nil {
		return nil, fmt.Errorf("loomvm: link host ABI: %w", err)
	}

	inst, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("loomvm: instantiate: %w", err)
	}

	return &Instance{store: store, instance: inst, host: host, gasLimit: host.GasLimit}, nil
}

// compile returns the cached *wasmtime.Module for bytecode's hash,
// compiling and caching it on a miss.
func (r *Runtime) compile(bytecode []byte) (*wasmtime.Module, error) {
	key := hash.Sum(bytecode)
	if module, ok := r.modules.Get(key); ok {
		return module, nil
	}
	module, err := wasmtime.NewModule(r.engine, bytecode)
	if err != nil {
		return nil, fmt.Errorf("loomvm: compile module: %w", err)
	}
	r.modules.Add(key, module)
	return module, nil
}

// linkHostABI registers the seven norn_* host functions under the "norn"
// namespace. Each closure captures host directly instead of reading it
// back out of the store on every call.
func linkHostABI(linker *wasmtime.Linker, host *HostState) error {
	if err := linker.FuncWrap("norn", "norn_log", func(caller *wasmtime.Caller, ptr, length int32) {
		data, ok := memoryAt(caller, ptr, length)
		if !ok {
			return
		}
		host.Log(string(data))
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_state_get", func(caller *wasmtime.Caller, keyPtr, keyLen, outPtr, outMaxLen int32) (int32, error) {
		key, ok := memoryAt(caller, keyPtr, keyLen)
		if !ok {
			return 0, ErrOutOfBounds
		}
		val, found := host.StateGet(key)
		if !found {
			return -1, nil
		}
		if outPtr == 0 {
			return int32(len(val)), nil
		}
		if int(outMaxLen) < len(val) {
			return -2, nil
		}
		if !writeMemoryAt(caller, outPtr, val) {
			return 0, ErrOutOfBounds
		}
		return int32(len(val)), nil
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_state_set", func(caller *wasmtime.Caller, keyPtr, keyLen, valPtr, valLen int32) error {
		key, ok := memoryAt(caller, keyPtr, keyLen)
		if !ok {
			return ErrOutOfBounds
		}
		val, ok := memoryAt(caller, valPtr, valLen)
		if !ok {
			return ErrOutOfBounds
		}
		host.StateSet(key, val)
		return nil
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_transfer", func(caller *wasmtime.Caller, fromPtr, toPtr, tokenPtr int32, amount int64) error {
		fromBytes, ok := memoryAt(caller, fromPtr, int32(len(thread.Address{})))
		if !ok {
			return ErrOutOfBounds
		}
		toBytes, ok := memoryAt(caller, toPtr, int32(len(thread.Address{})))
		if !ok {
			return ErrOutOfBounds
		}
		tokenBytes, ok := memoryAt(caller, tokenPtr, int32(len(thread.TokenID{})))
		if !ok {
			return ErrOutOfBounds
		}
		var from, to thread.Address
		copy(from[:], fromBytes)
		copy(to[:], toBytes)
		var token thread.TokenID
		copy(token[:], tokenBytes)
		return host.Transfer(from, to, token, amount)
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_sender", func(caller *wasmtime.Caller, outPtr int32) error {
		if !writeMemoryAt(caller, outPtr, host.Sender[:]) {
			return ErrOutOfBounds
		}
		return nil
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_block_height", func() int64 {
		return int64(host.BlockHeight)
	}); err != nil {
		return err
	}

	if err := linker.FuncWrap("norn", "norn_timestamp", func() int64 {
		return int64(host.Timestamp)
	}); err != nil {
		return err
	}

	return nil
}

// memoryAt returns a copy of the instance's "memory" export in
// [ptr, ptr+length), or false if the range is out of bounds.
func memoryAt(caller *wasmtime.Caller, ptr, length int32) ([]byte, bool) {
	ext := caller.GetExport("memory")
	if ext == nil {
		return nil, false
	}
	mem := ext.Memory()
	if mem == nil {
		return nil, false
	}
	data := mem.UnsafeData(caller)
	start, end := int(ptr), int(ptr)+int(length)
	if start < 0 || length < 0 || end > len(data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[start:end])
	return out, true
}

// writeMemoryAt writes val into the instance's "memory" export at ptr.
func writeMemoryAt(caller *wasmtime.Caller, ptr int32, val []byte) bool {
	ext := caller.GetExport("memory")
	if ext == nil {
		return false
	}
	mem := ext.Memory()
	if mem == nil {
		return false
	}
	data := mem.UnsafeData(caller)
	start, end := int(ptr), int(ptr)+len(val)
	if start < 0 || end > len(data) {
		return false
	}
	copy(data[start:end], val)
	return true
}

// CallInit invokes the contract's exported init through callEntryPoint
// (passing input when init takes a (ptr, len) pair), discarding any
// return value. Deploy-time initialization writes go
// straight onto the captured HostState.
func (i *Instance) CallInit(input []byte) error {
	_, err := i.callEntryPoint("init", input)
	return err
}

// CallExecute invokes the contract's exported execute, returning whatever
// output bytes the call produced.
func (i *Instance) CallExecute(input []byte) ([]byte, error) {
	return i.callEntryPoint("execute", input)
}

// CallQuery invokes the contract's exported query, returning whatever
// output bytes the call produced. Callers are expected to discard any
// HostState mutations a query made — queries are read-only by
// convention, not by enforcement at this layer.
func (i *Instance) CallQuery(input []byte) ([]byte, error) {
	return i.callEntryPoint("query", input)
}

// callEntryPoint calls name, preferring the richer (i32 ptr, i32 len) ->
// i32 calling convention and falling back to a bare () -> i32 signature
// for contracts that don't accept input. It prefers reading the return
// value out of the __norn_output_ptr/__norn_output_len SDK buffer and
// falls back to treating the i32 result itself as little-endian output
// bytes.
func (i *Instance) callEntryPoint(name string, input []byte) ([]byte, error) {
	fn := i.instance.GetFunc(i.store, name)
	if fn == nil {
		return nil, fmt.Errorf("loomvm: contract exports no %q function", name)
	}

	ft := fn.Type(i.store)
	var ret interface{}
	var err error
	if len(ft.Params()) >= 2 {
		ptr, werr := i.writeInput(input)
		if werr != nil {
			return nil, werr
		}
		ret, err = fn.Call(i.store, ptr, int32(len(input)))
	} else {
		ret, err = fn.Call(i.store)
	}
	if err != nil {
		return nil, fmt.Errorf("loomvm: call %s: %w", name, err)
	}

	if out, ok := i.readOutputBuffer(); ok {
		return out, nil
	}

	if ret == nil {
		return nil, nil
	}
	code, ok := ret.(int32)
	if !ok {
		return nil, nil
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(code))
	return buf, nil
}

// writeInput places input into the instance's linear memory, preferring
// the contract's own __norn_alloc export and falling back to a fixed
// offset for legacy modules that reserve no allocator.
func (i *Instance) writeInput(input []byte) (int32, error) {
	if len(input) == 0 {
		return 0, nil
	}
	if alloc := i.instance.GetFunc(i.store, "__norn_alloc"); alloc != nil {
		ret, err := alloc.Call(i.store, int32(len(input)))
		if err != nil {
			return 0, fmt.Errorf("loomvm: __norn_alloc: %w", err)
		}
		ptr, ok := ret.(int32)
		if !ok {
			return 0, fmt.Errorf("loomvm: __norn_alloc returned non-i32")
		}
		if !i.writeMemory(ptr, input) {
			return 0, ErrOutOfBounds
		}
		return ptr, nil
	}

	const legacyInputOffset = 1024
	if !i.writeMemory(legacyInputOffset, input) {
		return 0, ErrOutOfBounds
	}
	return legacyInputOffset, nil
}

// readOutputBuffer reads the contract's __norn_output_ptr/
// __norn_output_len exports, if present, as the call's return value.
func (i *Instance) readOutputBuffer() ([]byte, bool) {
	ptrFn := i.instance.GetFunc(i.store, "__norn_output_ptr")
	lenFn := i.instance.GetFunc(i.store, "__norn_output_len")
	if ptrFn == nil || lenFn == nil {
		return nil, false
	}
	ptrRet, err := ptrFn.Call(i.store)
	if err != nil {
		return nil, false
	}
	lenRet, err := lenFn.Call(i.store)
	if err != nil {
		return nil, false
	}
	ptr, ok1 := ptrRet.(int32)
	length, ok2 := lenRet.(int32)
	if !ok1 || !ok2 {
		return nil, false
	}
	return i.readMemory(ptr, length)
}

func (i *Instance) memoryExport() *wasmtime.Memory {
	ext := i.instance.GetExport(i.store, "memory")
	if ext == nil {
		return nil
	}
	return ext.Memory()
}

// readMemory copies [ptr, ptr+length) out of the instance's memory,
// addressed through the store rather than a host-function caller.
func (i *Instance) readMemory(ptr, length int32) ([]byte, bool) {
	mem := i.memoryExport()
	if mem == nil {
		return nil, false
	}
	data := mem.UnsafeData(i.store)
	start, end := int(ptr), int(ptr)+int(length)
	if start < 0 || length < 0 || end > len(data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[start:end])
	return out, true
}

// writeMemory writes val into the instance's memory at ptr, addressed
// through the store rather than a host-function caller.
func (i *Instance) writeMemory(ptr int32, val []byte) bool {
	mem := i.memoryExport()
	if mem == nil {
		return false
	}
	data := mem.UnsafeData(i.store)
	start, end := int(ptr), int(ptr)+len(val)
	if start < 0 || end > len(data) {
		return false
	}
	copy(data[start:end], val)
	return true
}

// GasUsed reports how much fuel the instance has consumed so far.
func (i *Instance) GasUsed() uint64 {
	consumed, ok := i.store.FuelConsumed()
	if !ok {
		return 0
	}
	return consumed
}

// HostState returns the HostState this instance was instantiated with,
// carrying every mutation the contract made during its calls.
func (i *Instance) HostState() *HostState {
	return i.host
}
