package wasm

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytecodealliance/wasmtime-go"
)

// errBudget marks an invocation cut short by its execution or memory budget.
var errBudget = errors.New("wasm: execution budget exceeded")

// invocation is one isolated guest call: a fresh store and instance per
// call, so a trapped or leaky guest takes nothing down with it. Module
// compilation goes through wasmtime's on-disk cache, so the per-call compile
// is a cache hit after the first load.
type invocation struct {
	store     *wasmtime.Store
	instance  *wasmtime.Instance
	memory    memoryView
	alloc     *wasmtime.Func
	interrupt *wasmtime.InterruptHandle
}

func newInvocation(wasmbytes []byte) (*invocation, error) {
	config := wasmtime.NewConfig()
	config.SetInterruptable(true)
	if err := config.CacheConfigLoadDefault(); err != nil {
		return nil, fmt.Errorf("wasm: cache config: %w", err)
	}

	store := wasmtime.NewStore(wasmtime.NewEngineWithConfig(config))
	module, err := wasmtime.NewModule(store.Engine, wasmbytes)
	if err != nil {
		return nil, fmt.Errorf("wasm: compile: %w", err)
	}

	wasicfg := wasmtime.NewWasiConfig()
	wasicfg.InheritStdout()
	wasicfg.InheritStderr()
	wasi, err := wasmtime.NewWasiInstance(store, wasicfg, "wasi_snapshot_preview1")
	if err != nil {
		return nil, fmt.Errorf("wasm: wasi: %w", err)
	}

	linker := wasmtime.NewLinker(store)
	if err := linker.DefineWasi(wasi); err != nil {
		return nil, fmt.Errorf("wasm: link wasi: %w", err)
	}

	instance, err := linker.Instantiate(module)
	if err != nil {
		return nil, fmt.Errorf("wasm: instantiate: %w", err)
	}

	mem := instance.GetExport(exportMemory)
	if mem == nil || mem.Memory() == nil {
		return nil, errors.New("wasm: guest exports no memory")
	}
	allocExt := instance.GetExport(exportAlloc)
	if allocExt == nil || allocExt.Func() == nil {
		return nil, fmt.Errorf("wasm: guest exports no %q function", exportAlloc)
	}
	interrupt, err := store.InterruptHandle()
	if err != nil {
		return nil, fmt.Errorf("wasm: interrupt handle: %w", err)
	}

	return &invocation{
		store:     store,
		instance:  instance,
		memory:    memoryView{mem.Memory()},
		alloc:     allocExt.Func(),
		interrupt: interrupt,
	}, nil
}

// abiCheck verifies the guest speaks our interface version. Components
// declaring another version are a fatal configuration error at load time.
func (inv *invocation) abiCheck() error {
	ext := inv.instance.GetExport(exportVersion)
	if ext == nil || ext.Func() == nil {
		return fmt.Errorf("wasm: guest exports no %q function", exportVersion)
	}
	got, err := ext.Func().Call()
	if err != nil {
		return fmt.Errorf("wasm: %s: %w", exportVersion, err)
	}
	version, ok := got.(int32)
	if !ok || version != abiVersion {
		return fmt.Errorf("wasm: incompatible guest interface version %v, want %d", got, abiVersion)
	}
	return nil
}

func (inv *invocation) hasExport(name string) bool {
	ext := inv.instance.GetExport(name)
	return ext != nil && ext.Func() != nil
}

// call writes input into guest memory, runs the named export under the
// given budgets, and reads the packed ptr/len result back out. The guest
// returns its result address packed into one u64: high 32 bits pointer, low
// 32 bits length.
func (inv *invocation) call(name string, input []byte, budget time.Duration, maxMemory int64) ([]byte, error) {
	ext := inv.instance.GetExport(name)
	if ext == nil || ext.Func() == nil {
		return nil, fmt.Errorf("wasm: guest exports no %q function", name)
	}

	ptr, err := inv.alloc.Call(int32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("wasm: alloc: %w", err)
	}
	addr, ok := ptr.(int32)
	if !ok {
		return nil, fmt.Errorf("wasm: alloc returned %T", ptr)
	}
	if _, err := inv.memory.WriteAt(input, int64(addr)); err != nil {
		return nil, err
	}

	timer := time.AfterFunc(budget, inv.interrupt.Interrupt)
	ret, err := ext.Func().Call(addr, int32(len(input)))
	budgetHit := !timer.Stop()
	if err != nil {
		if budgetHit {
			return nil, errBudget
		}
		// Guest trap (unreachable, OOB access, stack exhaustion, ...).
		return nil, fmt.Errorf("wasm: %s trapped: %w", name, err)
	}
	if maxMemory > 0 && int64(inv.memory.DataSize()) > maxMemory {
		return nil, errBudget
	}

	packed, ok := ret.(int64)
	if !ok {
		return nil, fmt.Errorf("wasm: %s returned %T, want i64", name, ret)
	}
	outAddr := uint32(uint64(packed) >> 32)
	outLen := uint32(uint64(packed) & 0xffffffff)

	out := make([]byte, outLen)
	if _, err := inv.memory.ReadAt(out, int64(outAddr)); err != nil {
		return nil, err
	}
	return out, nil
}

// memoryView wraps guest linear memory with bounds-checked reads and writes.
type memoryView struct {
	mem *wasmtime.Memory
}

func (m memoryView) DataSize() uintptr {
	return m.mem.DataSize()
}

func (m memoryView) ReadAt(p []byte, off int64) (int, error) {
	data := m.mem.UnsafeData()
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return 0, fmt.Errorf("wasm: memory read out of bounds at %d+%d", off, len(p))
	}
	return copy(p, data[off:]), nil
}

func (m memoryView) WriteAt(p []byte, off int64) (int, error) {
	data := m.mem.UnsafeData()
	if off < 0 || off+int64(len(p)) > int64(len(data)) {
		return 0, fmt.Errorf("wasm: memory write out of bounds at %d+%d", off, len(p))
	}
	return copy(data[off:], p), nil
}
