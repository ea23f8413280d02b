// Package kpu is the runtime execution engine for kmodel v3 models on the
// Kendryte K210 KPU. It loads a compiled model, then runs one inference
// per call by interleaving hardware convolution layers (dispatched through
// the KPU's layer-argument FIFO) with CPU layer kernels operating on a
// shared main buffer.
//
// The hardware collaborators — the MMIO register block, the DMA
// controller, the interrupt line, the clock gate and the physical address
// space — are interfaces, so the engine runs against real MMIO on target
// and against the emulated device in internal/emu everywhere else.
package kpu

// IRQ is a bit set over the KPU's three interrupt sources, shared by the
// mask and clear registers.
type IRQ uint32

const (
	IRQCalcDone IRQ = 1 << iota
	IRQLayerCfgAlmostEmpty
	IRQLayerCfgAlmostFull

	IRQAll = IRQCalcDone | IRQLayerCfgAlmostEmpty | IRQLayerCfgAlmostFull
)

// Regs is the KPU MMIO register contract.
type Regs interface {
	// PushLayerArgument writes one 64-bit word into the layer-argument
	// FIFO. A hardware layer is twelve consecutive words.
	PushLayerArgument(word uint64)
	// DataOutAddr returns the bus address of the data-out FIFO, the DMA
	// source for convolutions routed to main memory.
	DataOutAddr() uint64
	// SetInterruptMask masks the set sources; cleared bits stay
	// wakeable.
	SetInterruptMask(masked IRQ)
	// ClearInterrupts acknowledges pending sources.
	ClearInterrupts(which IRQ)
	SetFIFOThreshold(full, empty uint32)
	SetEightBitMode(on bool)
}

// Bus maps host buffers into the physical address space the KPU and the
// DMA engine dereference. Addresses must stay below 4 GiB: the descriptor
// fields that carry them are 32 bits wide.
type Bus interface {
	Map(buf []byte) uint64
	Unmap(base uint64)
	// Bytes returns the host view of [addr, addr+n). The range must lie
	// inside one mapped region.
	Bytes(addr uint64, n int) []byte
}

// DMAChannel drives one channel of the system DMA controller.
type DMAChannel interface {
	SetRequestSource(source uint32)
	// TransmitAsync starts a transfer of count elements of elemSize
	// bytes and returns immediately. src/dst advance per srcInc/dstInc.
	// On completion the engine performs a non-blocking send on done — a
	// binary semaphore give.
	TransmitAsync(src, dst uint64, srcInc, dstInc bool, elemSize, count, burst int, done chan<- struct{})
	Close()
}

// DMA hands out free channels.
type DMA interface {
	OpenFreeChannel() (DMAChannel, error)
}

// InterruptLine is the KPU's line on the platform interrupt controller.
type InterruptLine interface {
	SetPriority(priority uint32)
	SetHandler(handler func())
	Enable(on bool)
}

// Clock gates the accelerator clock.
type Clock interface {
	Enable()
	Disable()
}

// K210 physical addresses; the defaults for Config.
const (
	// DefaultSRAMBase is the uncached KPU SRAM window (AI_IO).
	DefaultSRAMBase uint64 = 0x4060_0000
	// SRAMSize is the KPU's 2 MiB image memory.
	SRAMSize = 2 * 1024 * 1024
)
