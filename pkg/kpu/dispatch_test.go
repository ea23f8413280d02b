package kpu

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/k210dev/kpu/internal/layout"
	"github.com/k210dev/kpu/pkg/kmodel"
)

// Minimal hardware fakes: enough to exercise the dispatcher's software
// path and its register sequencing without the emulated device (which
// lives upstream of this package and cannot be imported here).

type fakeRegs struct {
	words   []uint64
	masked  IRQ
	cleared IRQ
}

func (r *fakeRegs) PushLayerArgument(word uint64) { r.words = append(r.words, word) }
func (r *fakeRegs) DataOutAddr() uint64           { return 0x4080_0030 }
func (r *fakeRegs) SetInterruptMask(m IRQ)        { r.masked = m }
func (r *fakeRegs) ClearInterrupts(w IRQ)         { r.cleared |= w }
func (r *fakeRegs) SetFIFOThreshold(f, e uint32)  {}
func (r *fakeRegs) SetEightBitMode(on bool)       {}

type busRegion struct {
	base uint64
	buf  []byte
}

type fakeBus struct {
	regions []busRegion
	next    uint64
}

func newFakeBus(sram []byte) *fakeBus {
	return &fakeBus{
		regions: []busRegion{{DefaultSRAMBase, sram}},
		next:    0x7000_0000,
	}
}

func (b *fakeBus) Map(buf []byte) uint64 {
	base := b.next
	b.regions = append(b.regions, busRegion{base, buf})
	b.next += 0x100_0000
	return base
}

func (b *fakeBus) Unmap(base uint64) {}

func (b *fakeBus) Bytes(addr uint64, n int) []byte {
	for _, r := range b.regions {
		if addr >= r.base && addr+uint64(n) <= r.base+uint64(len(r.buf)) {
			off := addr - r.base
			return r.buf[off : off+uint64(n)]
		}
	}
	return nil
}

type fakeChannel struct{}

func (fakeChannel) SetRequestSource(uint32) {}
func (fakeChannel) TransmitAsync(src, dst uint64, srcInc, dstInc bool, elemSize, count, burst int, done chan<- struct{}) {
}
func (fakeChannel) Close() {}

type fakeDMA struct{}

func (fakeDMA) OpenFreeChannel() (DMAChannel, error) { return fakeChannel{}, nil }

type fakeIRQ struct{}

func (fakeIRQ) SetPriority(uint32) {}
func (fakeIRQ) SetHandler(func())  {}
func (fakeIRQ) Enable(bool)        {}

type fakeClock struct{}

func (fakeClock) Enable()  {}
func (fakeClock) Disable() {}

func newTestDevice(sram []byte) (*Device, *fakeRegs, *fakeBus) {
	regs := &fakeRegs{}
	bus := newFakeBus(sram)
	d := NewDevice(regs, fakeDMA{}, fakeIRQ{}, fakeClock{}, bus, Config{})
	return d, regs, bus
}

func loadForStep(t *testing.T, d *Device, blob []byte) *Model {
	t.Helper()
	m, err := d.LoadModel(blob)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	d.rc = runContext{m: m, bodyOff: m.container.BodyStart()}
	return m
}

func putF32(b []byte, i int, v float32) {
	binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
}

func getF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

func TestStepSoftmax(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerSoftmax, kmodel.Args(0, 0, 32, 3)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	putF32(m.arena, 0, 1)
	putF32(m.arena, 1, 2)
	putF32(m.arena, 2, 3)

	if got := d.step(); got != stepWait {
		t.Fatalf("step = %v, want stepWait (model ended)", got)
	}
	if !d.done {
		t.Fatalf("done flag not set after final layer")
	}
	var sum float64
	for i := 0; i < 3; i++ {
		sum += float64(getF32(m.arena[32:], i))
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("softmax output sums to %v", sum)
	}
}

func TestStepConcat(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerConcat, kmodel.Args(0, 32, 3, 0, 3, 8, 2, 16, 1)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	copy(m.arena[0:], "AAA")
	copy(m.arena[8:], "BB")
	copy(m.arena[16:], "C")

	d.step()
	if got := string(m.arena[32:38]); got != "AAABBC" {
		t.Fatalf("got %q, want %q", got, "AAABBC")
	}
}

func TestStepQuantizedAddSaturates(t *testing.T) {
	body := kmodel.Args(0, 0, 8, 16, 4,
		0, 1, 0, // a: offset, mul, shift
		0, 1, 0, // b
		0, 1, 0, // out
	)
	blob := kmodel.NewBuilder().
		SetMainMemUsage(32).
		AddLayer(kmodel.LayerQuantizedAdd, body).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	copy(m.arena[0:], []byte{200, 200, 200, 200})
	copy(m.arena[8:], []byte{100, 100, 100, 100})

	d.step()
	for i := 16; i < 20; i++ {
		if m.arena[i] != 255 {
			t.Fatalf("arena[%d] = %d, want 255", i, m.arena[i])
		}
	}
}

func TestStepQuantizedMaxPool(t *testing.T) {
	body := kmodel.Args(0, 0, 16,
		4, 4, 1, // in shape
		2, 2, 1, // out shape
		2, 2, // kernel
		2, 2, // stride
		0, 0, // padding
	)
	blob := kmodel.NewBuilder().
		SetMainMemUsage(32).
		AddLayer(kmodel.LayerQuantizedMaxPool2D, body).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	for i := 0; i < 16; i++ {
		m.arena[i] = byte(i + 1)
	}

	d.step()
	want := []byte{6, 8, 14, 16}
	for i, w := range want {
		if m.arena[16+i] != w {
			t.Fatalf("arena[16:20] = %v, want %v", m.arena[16:20], want)
		}
	}
}

func TestStepRequantizeIdentity(t *testing.T) {
	body := make([]byte, 16+256)
	copy(body, kmodel.Args(0, 0, 8, 3))
	for i := 0; i < 256; i++ {
		body[16+i] = byte(i)
	}
	blob := kmodel.NewBuilder().
		SetMainMemUsage(16).
		AddLayer(kmodel.LayerRequantize, body).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	copy(m.arena[0:], []byte{0, 127, 255})

	d.step()
	if m.arena[8] != 0 || m.arena[9] != 127 || m.arena[10] != 255 {
		t.Fatalf("got %v, want [0 127 255]", m.arena[8:11])
	}
}

func TestStepAddPadding(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(16).
		AddLayer(kmodel.LayerK210AddPadding, kmodel.Args(0, 0, 0, 6)).
		Bytes()
	sram := make([]byte, 1024)
	d, _, _ := newTestDevice(sram)
	m := loadForStep(t, d, blob)
	for i := 0; i < 6; i++ {
		m.arena[i] = byte(i + 1)
	}

	d.step()
	for c := 0; c < 6; c++ {
		off := c/4*64 + c%4*16
		if sram[off] != byte(c+1) {
			t.Fatalf("channel %d: sram[%d] = %d, want %d", c, off, sram[off], c+1)
		}
	}
}

func TestStepRemovePadding(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(128).
		AddLayer(kmodel.LayerK210RemovePadding, kmodel.Args(0, 0, 96, 5)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	for c := 0; c < 5; c++ {
		m.arena[c*16] = byte(10 + c)
	}

	d.step()
	for c := 0; c < 5; c++ {
		if m.arena[96+c] != byte(10+c) {
			t.Fatalf("channel %d = %d, want %d", c, m.arena[96+c], 10+c)
		}
	}
}

func TestStepUpload(t *testing.T) {
	const w, h, c = 4, 4, 2
	blob := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerK210Upload, kmodel.Args(0, 0, 0, w, h, c)).
		Bytes()
	sram := make([]byte, 4096)
	d, _, _ := newTestDevice(sram)
	m := loadForStep(t, d, blob)
	for i := 0; i < w*h*c; i++ {
		m.arena[i] = byte(i + 1)
	}

	d.step()
	g := layout.ForWidth(w)
	i := 0
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if got := sram[g.Offset(ch, y, x, h)]; got != byte(i+1) {
					t.Fatalf("(%d,%d,%d) = %d, want %d", ch, y, x, got, i+1)
				}
				i++
			}
		}
	}
}

func TestStepChainAdvancesCursor(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerDequantize, kmodel.Args(0, 0, 16, 3, math.Float32bits(1), 0)).
		AddLayer(kmodel.LayerL2Normalization, kmodel.Args(0, 16, 32, 3)).
		AddLayer(kmodel.LayerSoftmax, kmodel.Args(0, 32, 48, 3)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)

	for d.step() == stepMore {
	}
	if got, want := d.rc.currentLayer, int(m.container.Header.LayersLength); got != want {
		t.Fatalf("current layer = %d, want %d", got, want)
	}
	if !d.done {
		t.Fatalf("done flag not set")
	}
}

func TestValidateLayers(t *testing.T) {
	good := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerK210Conv, kmodel.Args(0, 0, 0, 0, 0, 0)).
		AddLayer(kmodel.LayerSoftmax, kmodel.Args(0, 0, 32, 3)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, good)
	if err := m.ValidateLayers(); err != nil {
		t.Fatalf("ValidateLayers: %v", err)
	}

	bad := kmodel.NewBuilder().
		SetMainMemUsage(64).
		AddLayer(kmodel.LayerK210Conv, kmodel.Args(0, 0, 0, 0, 0, 0)).
		AddLayer(kmodel.LayerType(999), kmodel.Args(0)).
		Bytes()
	m = loadForStep(t, d, bad)
	if err := m.ValidateLayers(); !errors.Is(err, ErrUnknownLayerType) {
		t.Fatalf("got %v, want ErrUnknownLayerType", err)
	}
}

func TestStepUnknownLayerPanics(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(16).
		AddLayer(kmodel.LayerType(999), kmodel.Args(0)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	loadForStep(t, d, blob)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic on unknown layer type")
		}
		if !strings.Contains(r.(string), "not supported") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	d.step()
}

func TestISRGivesSemaphoreOnce(t *testing.T) {
	d, regs, _ := newTestDevice(nil)
	d.isr()
	d.isr() // second give must be absorbed, not queued

	if regs.cleared != IRQAll {
		t.Fatalf("cleared = %v, want all sources", regs.cleared)
	}
	if regs.masked != IRQAll {
		t.Fatalf("masked = %v, want all sources", regs.masked)
	}
	select {
	case <-d.sem:
	default:
		t.Fatalf("semaphore not given")
	}
	select {
	case <-d.sem:
		t.Fatalf("semaphore given twice")
	default:
	}
}

func TestWaitTimesOut(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	d.cfg.WaitTimeout = 10 * time.Millisecond
	if err := d.wait(context.Background()); err != ErrHardwareHang {
		t.Fatalf("got %v, want ErrHardwareHang", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.wait(ctx); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestOutputOutOfRange(t *testing.T) {
	blob := kmodel.NewBuilder().
		SetMainMemUsage(16).
		AddOutput(0, 4).
		AddLayer(kmodel.LayerSoftmax, kmodel.Args(0, 0, 0, 1)).
		Bytes()
	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)

	if _, err := d.Output(m, 1); err != ErrOutputOutOfRange {
		t.Fatalf("got %v, want ErrOutputOutOfRange", err)
	}
	out, err := d.Output(m, 0)
	if err != nil {
		t.Fatalf("Output(0): %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4", len(out))
	}
}

func TestDescriptorPatchLeavesBlobUntouched(t *testing.T) {
	var desc Descriptor
	desc.SetImageSrcAddr(2)
	desc.SetWeightsBaseAddr(0x100)
	desc.SetBNBaseAddr(0x200)
	desc.SetActBaseAddr(0x300)

	convBody := append(kmodel.Args(kmodel.FlagMainMemOut, 0, 0, 0x100, 0x200, 0x300), desc.Bytes()...)
	blob := kmodel.NewBuilder().
		SetMainMemUsage(16).
		AddLayer(kmodel.LayerK210Conv, convBody).
		Bytes()

	d, _, _ := newTestDevice(nil)
	m := loadForStep(t, d, blob)
	d.ch = fakeChannel{}

	// Fix up the layer offset now that the body position is known.
	descOff := uint32(m.container.BodyStart() + 24)
	binary.LittleEndian.PutUint32(blob[m.container.BodyStart()+8:], descOff)

	before := append([]byte(nil), blob...)
	d.step()
	for i := range blob {
		if blob[i] != before[i] {
			t.Fatalf("blob byte %d changed during dispatch", i)
		}
	}
}
