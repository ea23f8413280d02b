package kpu

import (
	"context"
	"fmt"
	"time"

	"github.com/k210dev/kpu/internal/kernels"
	"github.com/k210dev/kpu/internal/layout"
	"github.com/k210dev/kpu/pkg/kmodel"
)

// runContext is the per-inference cursor over the layer list. currentLayer
// and bodyOff advance together: bodyOff is always the byte offset of layer
// currentLayer's body.
type runContext struct {
	m            *Model
	currentLayer int
	bodyOff      int
}

type stepResult int

const (
	// stepWait means a hardware layer was queued (or the model ended);
	// the dispatcher must block on the completion semaphore.
	stepWait stepResult = iota
	// stepMore means a software layer ran and more layers remain.
	stepMore
)

// Run executes one inference. src is the row-major input image consumed by
// the model's first layer, which must be a hardware convolution. The call
// blocks until the final layer completes, the context is cancelled, or the
// configured wait timeout expires.
func (d *Device) Run(ctx context.Context, m *Model, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.dma.OpenFreeChannel()
	if err != nil {
		return fmt.Errorf("kpu: open dma channel: %w", err)
	}
	defer func() {
		ch.Close()
		d.ch = nil
	}()
	d.ch = ch
	d.rc = runContext{m: m, bodyOff: m.container.BodyStart()}

	d.regs.ClearInterrupts(IRQAll)
	d.regs.SetFIFOThreshold(10, 1)
	d.regs.SetEightBitMode(m.container.Header.EightBitMode())
	d.regs.SetInterruptMask(IRQCalcDone | IRQLayerCfgAlmostFull)

	d.irq.SetPriority(d.cfg.IRQPriority)
	d.irq.SetHandler(d.isr)
	d.irq.Enable(true)

	if len(m.container.LayerHeaders) == 0 || m.container.LayerHeaders[0].Type != kmodel.LayerK210Conv {
		return ErrFirstLayerNotConv
	}
	first := kmodel.DecodeConvArgs(m.container.Body(0))
	desc := m.descriptorAt(first.LayerOffset)

	// A completion left over from an aborted run must not satisfy the
	// first wait.
	select {
	case <-d.sem:
	default:
	}

	d.lastWake = time.Now()
	if desc.InputWidth()%64 != 0 {
		d.stageInputTiled(&desc, src)
		d.step()
	} else {
		srcBase := d.bus.Map(src)
		defer d.bus.Unmap(srcBase)
		d.stageInputDMA(&desc, srcBase)
	}

	for !d.done {
		if err := d.wait(ctx); err != nil {
			return err
		}
		if d.rc.currentLayer != int(m.container.Header.LayersLength) {
			for d.step() == stepMore {
			}
		} else {
			d.finish()
		}
	}
	d.done = false
	return nil
}

func (d *Device) wait(ctx context.Context) error {
	var expired <-chan time.Time
	if d.cfg.WaitTimeout > 0 {
		t := time.NewTimer(d.cfg.WaitTimeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-d.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return ErrHardwareHang
	}
}

// isr handles the KPU interrupt: acknowledge and mask every source, then
// give the completion semaphore. Runs on the interrupt goroutine, never on
// the dispatcher's.
func (d *Device) isr() {
	d.regs.ClearInterrupts(IRQAll)
	d.regs.SetInterruptMask(IRQAll)
	select {
	case d.sem <- struct{}{}:
	default:
	}
}

// step executes the current layer and advances the cursor. Software layers
// run inline and return stepMore until the model ends; a hardware
// convolution is queued to the KPU and returns stepWait without advancing
// further.
func (d *Device) step() stepResult {
	rc := &d.rc
	m := rc.m
	id := rc.currentLayer
	hdr := m.container.LayerHeaders[id]
	body := m.container.Data[rc.bodyOff : rc.bodyOff+int(hdr.BodySize)]
	rc.currentLayer++
	rc.bodyOff += int(hdr.BodySize)

	if d.cfg.Debug {
		now := time.Now()
		d.log.Debug("kpu layer", "index", id, "type", hdr.Type.String(), "since_wake", now.Sub(d.lastWake))
		d.lastWake = now
	}

	arena := m.arena
	switch hdr.Type {
	case kmodel.LayerAdd:
		a := kmodel.DecodeAddArgs(body)
		kernels.Add(arena[a.MainMemOutAddress:], arena[a.MainMemInAAddress:], arena[a.MainMemInBAddress:], int(a.Count))
	case kmodel.LayerQuantizedAdd:
		a := kmodel.DecodeQuantAddArgs(body)
		kernels.QuantizedAdd(
			arena[a.MainMemOutAddress:], arena[a.MainMemInAAddress:], arena[a.MainMemInBAddress:], int(a.Count),
			kernels.QuantAffine{Offset: int64(a.InAOffset), Mul: int64(a.InAMul), Shift: int64(a.InAShift)},
			kernels.QuantAffine{Offset: int64(a.InBOffset), Mul: int64(a.InBMul), Shift: int64(a.InBShift)},
			kernels.QuantAffine{Offset: int64(a.OutOffset), Mul: int64(a.OutMul), Shift: int64(a.OutShift)},
		)
	case kmodel.LayerGlobalAveragePool2D:
		a := kmodel.DecodeGAP2DArgs(body)
		kernels.GlobalAveragePool(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], int(a.Channels), int(a.KernelSize))
	case kmodel.LayerQuantizedMaxPool2D:
		a := kmodel.DecodeQuantMaxPool2DArgs(body)
		kernels.QuantizedMaxPool2D(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], kernels.MaxPool2DParams{
			In:            kernels.Shape{Width: int(a.InShape.Width), Height: int(a.InShape.Height), Channels: int(a.InShape.Channels)},
			Out:           kernels.Shape{Width: int(a.OutShape.Width), Height: int(a.OutShape.Height), Channels: int(a.OutShape.Channels)},
			KernelWidth:   int(a.KernelWidth),
			KernelHeight:  int(a.KernelHeight),
			StrideWidth:   int(a.StrideWidth),
			StrideHeight:  int(a.StrideHeight),
			PaddingWidth:  int(a.PaddingWidth),
			PaddingHeight: int(a.PaddingHeight),
		})
	case kmodel.LayerQuantize:
		a := kmodel.DecodeQuantizeArgs(body)
		kernels.Quantize(arena[a.MemOutAddress:], arena[a.MainMemInAddress:], int(a.Count), a.QuantParam.Scale, a.QuantParam.Bias)
	case kmodel.LayerDequantize:
		a := kmodel.DecodeDequantizeArgs(body)
		kernels.Dequantize(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], int(a.Count), a.QuantParam.Scale, a.QuantParam.Bias)
	case kmodel.LayerRequantize:
		a := kmodel.DecodeRequantizeArgs(body)
		kernels.Requantize(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], int(a.Count), a.Table)
	case kmodel.LayerL2Normalization:
		a := kmodel.DecodeL2NormArgs(body)
		kernels.L2Normalize(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], int(a.Channels))
	case kmodel.LayerSoftmax:
		a := kmodel.DecodeSoftmaxArgs(body)
		kernels.Softmax(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], int(a.Channels))
	case kmodel.LayerConcat, kmodel.LayerQuantizedConcat:
		a := kmodel.DecodeConcatArgs(body)
		srcs := make([][]byte, len(a.Inputs))
		for i, in := range a.Inputs {
			srcs[i] = arena[in.Start : in.Start+in.Size]
		}
		kernels.Concat(arena[a.MainMemOutAddress:], srcs)
	case kmodel.LayerFullyConnected:
		a := kmodel.DecodeFullyConnectedArgs(body)
		kernels.FullyConnected(arena[a.MainMemOutAddress:], arena[a.MainMemInAddress:], a.Weights, a.Biases, int(a.InChannels), int(a.OutChannels))
	case kmodel.LayerK210Conv:
		d.dispatchConv(kmodel.DecodeConvArgs(body))
		return stepWait
	case kmodel.LayerK210AddPadding:
		d.addPadding(kmodel.DecodeAddPaddingArgs(body))
	case kmodel.LayerK210RemovePadding:
		a := kmodel.DecodeRemovePaddingArgs(body)
		src := arena[a.MainMemInAddress:]
		dst := arena[a.MainMemOutAddress:]
		for oc := 0; oc < int(a.Channels); oc++ {
			dst[oc] = src[oc*16]
		}
	case kmodel.LayerK210Upload:
		a := kmodel.DecodeUploadArgs(body)
		w, h, c := int(a.Width), int(a.Height), int(a.Channels)
		g := layout.ForWidth(w)
		sram := d.sram(uint64(a.KPUMemOutAddress), g.ImageBytes(h, c))
		layout.Upload(sram, arena[a.MainMemInAddress:], w, h, c)
	default:
		panic(fmt.Sprintf("kpu: layer type %d is not supported", hdr.Type))
	}

	if id != int(m.container.Header.LayersLength)-1 {
		return stepMore
	}
	d.finish()
	return stepWait
}

// addPadding scatters one byte per channel into the tiled slot a 1x1
// image occupies in SRAM: channel c lands at (c/4)*64 + (c%4)*16. Only
// the first byte of each slot is written; the KPU reads no others.
func (d *Device) addPadding(a kmodel.AddPaddingArgs) {
	const (
		rowPadding = 16
		rowGroup   = 4
		rowLength  = 1
		height     = 1
	)
	channels := int(a.Channels)
	src := d.rc.m.arena[a.MainMemInAddress:]
	groups := (channels + rowGroup - 1) / rowGroup
	dst := d.sram(uint64(a.KPUMemOutAddress), groups*rowLength*height*64)
	for oc := 0; oc < channels; oc++ {
		dst[oc/rowGroup*rowLength*height*64+oc%rowGroup*rowPadding] = src[oc]
	}
}

// sram returns the host view of n bytes of KPU SRAM starting at the given
// 64-byte row address.
func (d *Device) sram(rowAddr uint64, n int) []byte {
	return d.bus.Bytes(d.cfg.SRAMBase+rowAddr*64, n)
}

// finish acknowledges and masks all KPU interrupts and marks the
// inference complete.
func (d *Device) finish() {
	d.regs.ClearInterrupts(IRQAll)
	d.regs.SetInterruptMask(IRQAll)
	if d.cfg.Debug {
		d.log.Debug("kpu done", "layers", d.rc.currentLayer)
	}
	d.done = true
}
