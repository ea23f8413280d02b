// Package api serves inference over HTTP: upload a kmodel, post an input,
// read the outputs back by index.
package api

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/k210dev/kpu/internal/logger"
	"github.com/k210dev/kpu/pkg/kpu"
)

// maxBlobBytes bounds an uploaded kmodel.
const maxBlobBytes = 64 << 20

type Server struct {
	dev   *kpu.Device
	store *ModelStore
	log   logger.Logger
}

func NewServer(dev *kpu.Device, store *ModelStore, log logger.Logger) *Server {
	if store == nil {
		store = NewModelStore()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{dev: dev, store: store, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/models", s.handleUploadModel)
	e.GET("/v1/models/:id", s.handleGetModel)
	e.POST("/v1/models/:id/infer", s.handleInfer)
}

// handleUploadModel accepts a raw kmodel blob as the request body.
func (s *Server) handleUploadModel(c *echo.Context) error {
	blob, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBlobBytes+1))
	if err != nil {
		return writeBadRequest(c, "read body: "+err.Error())
	}
	if len(blob) > maxBlobBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", "model too large")
	}

	summary, err := s.store.Add(s.dev, blob)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	s.log.Info("model loaded", "model", summary.ID, "layers", summary.Layers)
	return writeJSON(c, http.StatusCreated, summary)
}

func (s *Server) handleGetModel(c *echo.Context) error {
	_, summary, err := s.store.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, summary)
}

func (s *Server) handleInfer(c *echo.Context) error {
	m, summary, err := s.store.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}

	req, err := decodeJSON[InferRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	input, err := base64.StdEncoding.DecodeString(req.Input)
	if err != nil {
		return writeBadRequest(c, "input: "+err.Error())
	}

	requestID := "infer_" + uuid.NewString()
	if err := s.dev.Run(c.Request().Context(), m, input); err != nil {
		s.log.Error("inference failed", "request", requestID, "error", err)
		return writeError(c, http.StatusUnprocessableEntity, "inference_error", err.Error())
	}

	resp := InferResponse{
		RequestID: requestID,
		ModelID:   summary.ID,
		Outputs:   make([]OutputData, summary.OutputCount),
	}
	for i := range resp.Outputs {
		out, err := s.dev.Output(m, i)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		resp.Outputs[i] = OutputData{
			Index: i,
			Size:  len(out),
			Data:  base64.StdEncoding.EncodeToString(out),
		}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func decodeJSON[T any](r io.Reader) (*T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}
