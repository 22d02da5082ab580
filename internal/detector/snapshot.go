package detector

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/technosupport/ts-nvr/internal/frames"
)

const snapshotQuality = 80

// EncodeJPEG converts a frame's packed RGB24 view into a JPEG. The caller
// must hold a frame reference.
func EncodeJPEG(pool *frames.Pool, sf *frames.SharedFrame) ([]byte, error) {
	rgb, err := pool.RGB(sf)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, sf.Width, sf.Height))
	for i, j := 0, 0; i+2 < len(rgb); i, j = i+3, j+4 {
		img.Pix[j] = rgb[i]
		img.Pix[j+1] = rgb[i+1]
		img.Pix[j+2] = rgb[i+2]
		img.Pix[j+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: snapshotQuality}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// saveSnapshot writes the frame as a JPEG named by capture time under dir.
func saveSnapshot(pool *frames.Pool, sf *frames.SharedFrame, dir string) (string, error) {
	data, err := EncodeJPEG(pool, sf)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jpg", sf.At.UnixNano()))
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", err
	}
	return path, nil
}
