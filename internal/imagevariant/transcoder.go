package imagevariant

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// ImagingTranscoder 使用 disintegration/imaging 缩放并编码为 JPEG。
type ImagingTranscoder struct{}

func (ImagingTranscoder) Transcode(src []byte, spec Spec) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	if spec.MaxSize > 0 && (b.Dx() > spec.MaxSize || b.Dy() > spec.MaxSize) {
		img = imaging.Fit(img, spec.MaxSize, spec.MaxSize, imaging.Lanczos)
	}
	quality := spec.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
