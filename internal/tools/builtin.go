// ABOUTME: Built-in tools that execute in the gateway process.
// ABOUTME: Rendering is a pluggable black box; builtins return job descriptors.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Image generation bounds.
const (
	MinImageDimension = 16
	MaxImageDimension = 4096
)

// MaxBarcodeDataLength bounds the encodable payload of a barcode.
const MaxBarcodeDataLength = 2048

// Renderer produces the actual image or barcode bytes. The gateway never
// looks inside the output; implementations are injected at startup.
type Renderer func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)

// generateImageSchema bounds dimensions and restricts output formats.
const generateImageSchema = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "minLength": 1, "maxLength": 4000},
		"width": {"type": "integer", "minimum": 16, "maximum": 4096},
		"height": {"type": "integer", "minimum": 16, "maximum": 4096},
		"format": {"type": "string", "enum": ["png", "jpeg", "webp"]}
	},
	"required": ["prompt", "width", "height"],
	"additionalProperties": false
}`

// generateBarcodeSchema restricts symbologies and payload length.
const generateBarcodeSchema = `{
	"type": "object",
	"properties": {
		"data": {"type": "string", "minLength": 1, "maxLength": 2048},
		"symbology": {"type": "string", "enum": ["qr", "code128", "ean13", "datamatrix"]},
		"scale": {"type": "integer", "minimum": 1, "maximum": 16}
	},
	"required": ["data"],
	"additionalProperties": false
}`

// jobDescriptor is the opaque payload returned for accepted render jobs.
type jobDescriptor struct {
	JobID      string `json:"job_id"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	AcceptedAt string `json:"accepted_at"`
}

// BuiltinConfig configures the in-process tool set.
type BuiltinConfig struct {
	// ImageRenderer and BarcodeRenderer replace the default descriptor-only
	// handlers when the embedding process provides real implementations.
	ImageRenderer   Renderer
	BarcodeRenderer Renderer
	Logger          *slog.Logger
}

// RegisterBuiltins installs the gateway's in-process tools on the dispatcher.
func RegisterBuiltins(d *Dispatcher, cfg BuiltinConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	imageHandler := cfg.ImageRenderer
	if imageHandler == nil {
		imageHandler = acceptJob("generate_image", logger)
	}
	barcodeHandler := cfg.BarcodeRenderer
	if barcodeHandler == nil {
		barcodeHandler = acceptJob("generate_barcode", logger)
	}

	if err := d.Register(Definition{
		Name:        "generate_image",
		Description: "Render an image from a text prompt at the requested dimensions.",
		InputSchema: json.RawMessage(generateImageSchema),
	}, Handler(imageHandler)); err != nil {
		return fmt.Errorf("registering generate_image: %w", err)
	}

	if err := d.Register(Definition{
		Name:        "generate_barcode",
		Description: "Encode data as a barcode in the requested symbology.",
		InputSchema: json.RawMessage(generateBarcodeSchema),
	}, Handler(barcodeHandler)); err != nil {
		return fmt.Errorf("registering generate_barcode: %w", err)
	}

	return nil
}

// acceptJob returns a handler that acknowledges the call with a job
// descriptor. Used when no renderer implementation is injected.
func acceptJob(toolName string, logger *slog.Logger) Renderer {
	return func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
		desc := jobDescriptor{
			JobID:      uuid.New().String(),
			Tool:       toolName,
			Status:     "accepted",
			AcceptedAt: time.Now().UTC().Format(time.RFC3339),
		}

		logger.Debug("builtin job accepted",
			"tool_name", toolName,
			"job_id", desc.JobID,
		)

		payload, err := json.Marshal(desc)
		if err != nil {
			return nil, fmt.Errorf("encoding job descriptor: %w", err)
		}
		return payload, nil
	}
}
