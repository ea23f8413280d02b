package kpu

import "errors"

var (
	// ErrFirstLayerNotConv means the model does not begin with a K210
	// convolution; run refuses to dispatch it.
	ErrFirstLayerNotConv = errors.New("kpu: first layer is not a convolution")
	// ErrOutputOutOfRange is returned for an output index >= the
	// model's output count.
	ErrOutputOutOfRange = errors.New("kpu: output index out of range")
	// ErrUnknownLayerType is returned by ValidateLayers for a layer tag
	// the dispatcher does not implement. Hitting such a tag mid-run is a
	// model/driver version mismatch and panics instead.
	ErrUnknownLayerType = errors.New("kpu: unknown layer type")
	// ErrHardwareHang is returned when a completion wait exceeds the
	// configured timeout.
	ErrHardwareHang = errors.New("kpu: hardware completion timeout")
)
