package services

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

const (
	maxAttachmentBytes = 25 * 1024 * 1024
	minImageDimension  = 128
)

// PreflightImage rejects attachment bytes the provider would choke on:
// undecodable data, tiny thumbnails, oversized uploads. Returns the decoded
// dimensions for logging.
func PreflightImage(data []byte) (width, height int, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("image is empty")
	}
	if len(data) > maxAttachmentBytes {
		return 0, 0, fmt.Errorf("image is larger than %dMB", maxAttachmentBytes/(1024*1024))
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if errors.Is(err, image.ErrFormat) {
		// heic/webp uploads are allowed but not decodable here; size checks
		// above still apply.
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image: %v", err)
	}
	if cfg.Width < minImageDimension || cfg.Height < minImageDimension {
		return cfg.Width, cfg.Height, fmt.Errorf("image too small: %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, nil
}
