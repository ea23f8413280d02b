package emu

import (
	"errors"

	"github.com/k210dev/kpu/pkg/kpu"
)

// The Device plays every hardware role the driver consumes. Each role is
// a small adapter because the interfaces overlap in method names (the
// clock's Enable and the interrupt line's Enable differ in signature).

func (d *Device) Regs() kpu.Regs         { return regs{d} }
func (d *Device) DMA() kpu.DMA           { return dma{d} }
func (d *Device) IRQ() kpu.InterruptLine { return irqLine{d} }
func (d *Device) Clock() kpu.Clock       { return clock{d} }
func (d *Device) Bus() kpu.Bus           { return bus{d} }

type regs struct{ d *Device }

func (r regs) PushLayerArgument(word uint64) {
	r.d.mu.Lock()
	r.d.args = append(r.d.args, word)
	if len(r.d.args) < kpu.DescriptorWords {
		r.d.mu.Unlock()
		return
	}
	var desc kpu.Descriptor
	copy(desc[:], r.d.args)
	r.d.args = r.d.args[:0]
	r.d.mu.Unlock()
	go r.d.execConv(desc)
}

func (r regs) DataOutAddr() uint64 {
	return regsBase + fifoDataOutOff
}

func (r regs) SetInterruptMask(masked kpu.IRQ) {
	r.d.mu.Lock()
	r.d.masked = masked
	deliver := r.d.irqEnabled && r.d.pending&^masked != 0
	h := r.d.handler
	r.d.mu.Unlock()
	if deliver && h != nil {
		go h()
	}
}

func (r regs) ClearInterrupts(which kpu.IRQ) {
	r.d.mu.Lock()
	r.d.pending &^= which
	r.d.mu.Unlock()
}

func (r regs) SetFIFOThreshold(full, empty uint32) {}

func (r regs) SetEightBitMode(on bool) {
	r.d.mu.Lock()
	r.d.eight = on
	r.d.mu.Unlock()
}

type irqLine struct{ d *Device }

func (l irqLine) SetPriority(priority uint32) {
	l.d.mu.Lock()
	l.d.priority = priority
	l.d.mu.Unlock()
}

func (l irqLine) SetHandler(handler func()) {
	l.d.mu.Lock()
	l.d.handler = handler
	l.d.mu.Unlock()
}

func (l irqLine) Enable(on bool) {
	l.d.mu.Lock()
	l.d.irqEnabled = on
	l.d.mu.Unlock()
}

type clock struct{ d *Device }

func (c clock) Enable() {
	c.d.mu.Lock()
	c.d.clockOn = true
	c.d.mu.Unlock()
}

func (c clock) Disable() {
	c.d.mu.Lock()
	c.d.clockOn = false
	c.d.mu.Unlock()
}

type bus struct{ d *Device }

func (b bus) Map(buf []byte) uint64 {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	base := b.d.nextMap
	b.d.regions = append(b.d.regions, region{base: base, buf: buf})
	b.d.nextMap += (uint64(len(buf)) + 0xFFF) &^ 0xFFF
	if len(buf) == 0 {
		b.d.nextMap += 0x1000
	}
	return base
}

func (b bus) Unmap(base uint64) {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	for i, r := range b.d.regions {
		if r.base == base {
			b.d.regions = append(b.d.regions[:i], b.d.regions[i+1:]...)
			return
		}
	}
}

func (b bus) Bytes(addr uint64, n int) []byte {
	return b.d.window(addr, n)
}

type dma struct{ d *Device }

var errNoChannel = errors.New("emu: no free dma channel")

func (m dma) OpenFreeChannel() (kpu.DMAChannel, error) {
	if m.d == nil {
		return nil, errNoChannel
	}
	return &dmaChannel{d: m.d}, nil
}

type dmaChannel struct {
	d      *Device
	source uint32
}

func (c *dmaChannel) SetRequestSource(source uint32) {
	c.source = source
}

// TransmitAsync runs the transfer on its own goroutine, reading either
// from a mapped region or from the KPU data-out FIFO, and gives the
// completion semaphore when the last element lands.
func (c *dmaChannel) TransmitAsync(src, dst uint64, srcInc, dstInc bool, elemSize, count, burst int, done chan<- struct{}) {
	go func() {
		n := elemSize * count
		dstBuf := c.d.window(dst, n)
		if src == regsBase+fifoDataOutOff && !srcInc {
			copy(dstBuf, c.d.out.take(n))
		} else {
			copy(dstBuf, c.d.window(src, n))
		}
		select {
		case done <- struct{}{}:
		default:
		}
	}()
}

func (c *dmaChannel) Close() {}
