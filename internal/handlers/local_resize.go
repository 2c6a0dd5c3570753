package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"jobqueue/internal/queue"
)

type localResizePayload struct {
	Filepath    string `json:"filepath"`
	OutputPath  string `json:"output_path"`
	OutputFile  string `json:"output_filename"`
	RequestedBy string `json:"requested_by"`
}

// LocalResizeHandler resizes local images and writes a thumbnail, exercised
// against jobs whose Data decodes to localResizePayload.
type LocalResizeHandler struct {
	width int
	// sleep simulates heavy processing work, so the worker's lock-renewal
	// timer (internal/queue.Worker) has something to actually exercise.
	sleep time.Duration
}

// NewLocalResizeHandler builds a handler with sensible defaults.
func NewLocalResizeHandler() *LocalResizeHandler {
	return &LocalResizeHandler{width: 300, sleep: 5 * time.Second}
}

// Handle implements queue.Handler.
func (h *LocalResizeHandler) Handle(ctx context.Context, job *queue.Job) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := decodeLocalResizePayload(job.Data)
	if err != nil {
		return nil, err
	}

	select {
	case <-time.After(h.sleep):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	in, err := os.Open(payload.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("source image missing: %w", err)
		}
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}

	newWidth := h.width
	newHeight := int(float64(src.Bounds().Dy()) * float64(newWidth) / float64(src.Bounds().Dx()))
	if newHeight == 0 {
		newHeight = newWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(payload.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	out, err := os.Create(payload.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	switch strings.ToLower(filepath.Ext(payload.OutputPath)) {
	case ".png":
		if err := png.Encode(out, dst); err != nil {
			return nil, err
		}
	default:
		if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 85}); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]string{"output_path": payload.OutputPath})
}

func decodeLocalResizePayload(data []byte) (localResizePayload, error) {
	var payload localResizePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Filepath == "" {
		return payload, errors.New("filepath is required")
	}
	if payload.OutputPath == "" {
		file := filepath.Base(payload.Filepath)
		payload.OutputPath = filepath.Join(filepath.Dir(payload.Filepath), "thumb_"+file)
	}
	return payload, nil
}
