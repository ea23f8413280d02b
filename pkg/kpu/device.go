package kpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/k210dev/kpu/internal/logger"
	"github.com/k210dev/kpu/pkg/kmodel"
)

// Config parameterizes a Device. The zero value plus defaults matches the
// K210's KPU instance.
type Config struct {
	// SRAMBase is the bus address of the KPU image SRAM window.
	SRAMBase uint64
	// DMARequestSource selects the KPU RX request line on the DMA
	// controller.
	DMARequestSource uint32
	// IRQPriority is the interrupt priority programmed for the KPU line.
	IRQPriority uint32
	// Debug routes SRAM-output convolutions through the per-layer
	// interrupt enable instead of the calc_done mask, and logs per-layer
	// timings.
	Debug bool
	// WaitTimeout bounds each completion wait. Zero waits forever, as
	// the hardware driver does.
	WaitTimeout time.Duration
	// Logger receives dispatch logging; nil means the default logger.
	Logger logger.Logger
}

// Device is one KPU instance. A single inference runs at a time; Run and
// Output serialize on the device mutex. There is one KPU per chip, but the
// base addresses and request lines are configuration, not globals.
type Device struct {
	cfg   Config
	regs  Regs
	dma   DMA
	irq   InterruptLine
	clock Clock
	bus   Bus
	log   logger.Logger

	mu  sync.Mutex
	sem chan struct{} // binary completion semaphore: KPU ISR or DMA gives, Run takes

	// Inference state, valid only while Run holds mu.
	ch       DMAChannel
	rc       runContext
	done     bool
	lastWake time.Time
}

// NewDevice wires a Device to its hardware collaborators. The clock stays
// gated until Open.
func NewDevice(regs Regs, dma DMA, irq InterruptLine, clock Clock, bus Bus, cfg Config) *Device {
	if cfg.SRAMBase == 0 {
		cfg.SRAMBase = DefaultSRAMBase
	}
	if cfg.IRQPriority == 0 {
		cfg.IRQPriority = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	clock.Disable()
	return &Device{
		cfg:   cfg,
		regs:  regs,
		dma:   dma,
		irq:   irq,
		clock: clock,
		bus:   bus,
		log:   log,
		sem:   make(chan struct{}, 1),
	}
}

// Open ungates the accelerator clock.
func (d *Device) Open() {
	d.clock.Enable()
}

// Close gates the accelerator clock.
func (d *Device) Close() {
	d.clock.Disable()
}

// Model is a loaded kmodel bound to a device: the parsed container, the
// main buffer arena sized from the header, and the bus mappings that let
// the KPU dereference blob offsets.
type Model struct {
	container *kmodel.Model
	arena     []byte
	blobBase  uint64
	arenaBase uint64
	dev       *Device
}

// LoadModel parses a kmodel blob and allocates its arena. The blob is
// referenced, not copied: it must stay valid and unmodified until the
// model is released.
func (d *Device) LoadModel(blob []byte) (*Model, error) {
	container, err := kmodel.Parse(blob)
	if err != nil {
		return nil, err
	}
	arena := make([]byte, container.Header.MainMemUsage)
	return &Model{
		container: container,
		arena:     arena,
		blobBase:  d.bus.Map(blob),
		arenaBase: d.bus.Map(arena),
		dev:       d,
	}, nil
}

// Release unmaps the model's bus regions. The model must not be used
// afterwards.
func (m *Model) Release() {
	m.dev.bus.Unmap(m.blobBase)
	m.dev.bus.Unmap(m.arenaBase)
}

// Output returns output index as a view into the arena. The slice is only
// valid until the next Run on this device.
func (d *Device) Output(m *Model, index int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(m.container.Outputs) {
		return nil, ErrOutputOutOfRange
	}
	o := m.container.Outputs[index]
	return m.arena[o.Address : o.Address+o.Size], nil
}

// OutputCount returns the number of model outputs.
func (m *Model) OutputCount() int {
	return len(m.container.Outputs)
}

// ValidateLayers checks that every layer tag in the model is one the
// dispatcher implements, returning ErrUnknownLayerType otherwise. Run
// does not re-check: an unknown tag reached mid-inference panics.
func (m *Model) ValidateLayers() error {
	for i, hdr := range m.container.LayerHeaders {
		if !knownLayerType(hdr.Type) {
			return fmt.Errorf("%w: layer %d has type %d", ErrUnknownLayerType, i, hdr.Type)
		}
	}
	return nil
}

func knownLayerType(t kmodel.LayerType) bool {
	switch t {
	case kmodel.LayerAdd,
		kmodel.LayerQuantizedAdd,
		kmodel.LayerGlobalAveragePool2D,
		kmodel.LayerQuantizedMaxPool2D,
		kmodel.LayerQuantize,
		kmodel.LayerDequantize,
		kmodel.LayerRequantize,
		kmodel.LayerL2Normalization,
		kmodel.LayerSoftmax,
		kmodel.LayerConcat,
		kmodel.LayerQuantizedConcat,
		kmodel.LayerFullyConnected,
		kmodel.LayerK210Conv,
		kmodel.LayerK210AddPadding,
		kmodel.LayerK210RemovePadding,
		kmodel.LayerK210Upload:
		return true
	default:
		return false
	}
}

// Header returns the model's parsed header.
func (m *Model) Header() kmodel.Header {
	return m.container.Header
}

func (m *Model) descriptorAt(offset uint32) Descriptor {
	return DecodeDescriptor(m.container.Data[offset : offset+DescriptorBytes])
}
