// Package handlers holds example queue.Handler implementations: opaque job
// payloads the core never interprets, decoded here at the one trust
// boundary where a concrete job type is known.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"jobqueue/internal/queue"
)

// ImageOptions configures ImageHandler.
type ImageOptions struct {
	DownloadTimeout time.Duration
	MaxBytes        int64
	DefaultWidth    int
	DefaultHeight   int
	OutputDir       string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
}

func (o ImageOptions) withDefaults() ImageOptions {
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 30 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 25 * 1024 * 1024
	}
	if o.OutputDir == "" {
		o.OutputDir = "./output"
	}
	return o
}

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler resizes and optionally grayscales an image fetched over
// HTTP, then uploads the result locally or to S3.
type ImageHandler struct {
	opts       ImageOptions
	httpClient *http.Client
	local      imageUploader
	s3         imageUploader
}

type imageJobPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewImageHandler constructs the handler, wiring an S3 uploader when
// opts.S3Bucket is set.
func NewImageHandler(ctx context.Context, opts ImageOptions) (*ImageHandler, error) {
	opts = opts.withDefaults()

	var s3Upload imageUploader
	if opts.S3Bucket != "" {
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: opts.S3Bucket}
	}

	return &ImageHandler{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
		local:      &localUploader{baseDir: opts.OutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, opts ImageOptions) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.S3Region),
	}
	if opts.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               opts.S3Endpoint,
					HostnameImmutable: opts.S3PathStyle,
					SigningRegion:     opts.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.S3PathStyle
	}), nil
}

// Handle implements queue.Handler: download, transform, and upload one
// image, returning the destination URI as the job's return value.
func (h *ImageHandler) Handle(ctx context.Context, job *queue.Job) ([]byte, error) {
	payload, err := decodeImagePayload(job.Data, h.opts)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}

	width, height := payload.Width, payload.Height
	if width == 0 && height == 0 {
		width, height = h.opts.DefaultWidth, h.opts.DefaultHeight
	}
	if width == 0 && height == 0 {
		width = 320
	}

	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}

	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return json.Marshal(map[string]string{"location": location})
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, h.opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.opts.MaxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.opts.MaxBytes)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func decodeImagePayload(data []byte, opts ImageOptions) (imageJobPayload, error) {
	payload := imageJobPayload{
		Grayscale: true,
		Width:     opts.DefaultWidth,
		Height:    opts.DefaultHeight,
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width, payload.Height = opts.DefaultWidth, opts.DefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 320
	}
	if payload.Destination == "" {
		if opts.S3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ImageHandler) pickUploader(destination string) (imageUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but no S3 bucket is configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
