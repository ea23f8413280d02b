package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k210dev/kpu/pkg/kpu"
)

type modelRecord struct {
	model   *kpu.Model
	blob    []byte // retained: the driver references the blob, never copies it
	summary ModelSummary
}

// ModelStore owns the models uploaded to the server, keyed by ID.
type ModelStore struct {
	mu     sync.Mutex
	models map[string]*modelRecord
}

func NewModelStore() *ModelStore {
	return &ModelStore{models: make(map[string]*modelRecord)}
}

// Add loads a kmodel blob onto the device and registers it.
func (s *ModelStore) Add(dev *kpu.Device, blob []byte) (ModelSummary, error) {
	m, err := dev.LoadModel(blob)
	if err != nil {
		return ModelSummary{}, err
	}
	if err := m.ValidateLayers(); err != nil {
		m.Release()
		return ModelSummary{}, err
	}
	hdr := m.Header()
	summary := ModelSummary{
		ID:           "kmdl_" + uuid.NewString(),
		Object:       "model",
		CreatedAt:    time.Now().Unix(),
		Layers:       int(hdr.LayersLength),
		OutputCount:  m.OutputCount(),
		MainMemUsage: hdr.MainMemUsage,
		EightBit:     hdr.EightBitMode(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[summary.ID] = &modelRecord{model: m, blob: blob, summary: summary}
	return summary, nil
}

// Get returns the model and summary for id.
func (s *ModelStore) Get(id string) (*kpu.Model, ModelSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.models[id]
	if !ok {
		return nil, ModelSummary{}, ErrModelNotFound
	}
	return rec.model, rec.summary, nil
}
