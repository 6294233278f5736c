package blob

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"github.com/disintegration/imaging"
)

// Compressed is the result of preparing an image attachment for upload.
type Compressed struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Compressor downsizes images before upload. At most `workers` images are
// processed at once; callers waiting for a slot give up when their context ends.
type Compressor struct {
	sem          chan struct{}
	maxDimension int
	quality      int
}

func NewCompressor(cfg models.MediaConfig) *Compressor {
	workers := cfg.CompressWorkers
	if workers <= 0 {
		workers = constants.DefaultCompressWorkers
	}
	maxDim := cfg.ImageMaxDimension
	if maxDim <= 0 {
		maxDim = constants.DefaultImageMaxDimension
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = constants.DefaultJPEGQuality
	}
	return &Compressor{
		sem:          make(chan struct{}, workers),
		maxDimension: maxDim,
		quality:      quality,
	}
}

// Compress shrinks JPEG and PNG images that exceed the maximum dimension and
// re-encodes JPEGs at the configured quality. Other types pass through.
func (c *Compressor) Compress(ctx context.Context, data []byte, mimeType string) (*Compressed, error) {
	if !constants.CompressibleImageTypes[mimeType] {
		return &Compressed{Data: data, MimeType: mimeType}, nil
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type result struct {
		out *Compressed
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-c.sem }()
		out, err := c.compress(data, mimeType)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Compressor) compress(data []byte, mimeType string) (*Compressed, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	resized := false
	bounds := img.Bounds()
	if bounds.Dx() > c.maxDimension || bounds.Dy() > c.maxDimension {
		img = imaging.Fit(img, c.maxDimension, c.maxDimension, imaging.Lanczos)
		resized = true
	}

	var buf bytes.Buffer
	switch mimeType {
	case "image/png":
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.quality))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	out := &Compressed{Data: buf.Bytes(), MimeType: mimeType, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
	if !resized && buf.Len() >= len(data) {
		out.Data = data
	}
	return out, nil
}

// Dimensions decodes only the header of an image.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
