// Package preprocess decodes an image file and shapes it into the tensor
// format the classifier expects.
package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"github.com/mkulima/leafscan/errs"
)

// Normalization contract: each 0-255 channel value maps to (v-NormOffset)/NormScale.
// These match the rescale used when the model was trained and are not
// configurable per call.
const (
	NormOffset float32 = 0
	NormScale  float32 = 255
)

// Tensor is a dense NHWC float32 buffer (batch of one), consumed by exactly
// one inference call. Data[(y*Width+x)*Channels + c] holds channel c of
// pixel (x, y), normalized into [0, 1].
type Tensor struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

// Prepare reads, decodes, resizes and normalizes the image at path into a
// (height, width, channels) tensor. Resizing uses a bilinear filter so two
// runs over the same source agree within floating tolerance. The only side
// effect is the file read.
func Prepare(path string, height, width, channels int) (*Tensor, error) {
	if channels != 1 && channels != 3 {
		return nil, errs.New(errs.KindShapeMismatch,
			fmt.Sprintf("unsupported channel count %d, expected 1 (grayscale) or 3 (RGB)", channels))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindImageNotFound, "cannot open image "+path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "cannot decode image "+path, err)
	}

	resized := imaging.Resize(img, width, height, imaging.Linear)

	data := make([]float32, height*width*channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			base := (y*width + x) * channels
			if channels == 1 {
				// Rec. 601 luma from the 8-bit channels.
				gray := 0.299*float32(r>>8) + 0.587*float32(g>>8) + 0.114*float32(b>>8)
				data[base] = (gray - NormOffset) / NormScale
			} else {
				data[base] = (float32(r>>8) - NormOffset) / NormScale
				data[base+1] = (float32(g>>8) - NormOffset) / NormScale
				data[base+2] = (float32(b>>8) - NormOffset) / NormScale
			}
		}
	}

	return &Tensor{Data: data, Height: height, Width: width, Channels: channels}, nil
}

// Upload acceptance limits. Sources smaller than the minimum carry too
// little detail to diagnose; the maxima keep junk out of the uploads
// directory.
const (
	MinUploadDim   = 100
	MaxUploadDim   = 5000
	MaxUploadBytes = 16 << 20
)

var allowedUploadExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".avif": true,
}

// ValidateUpload rejects files the pipeline could not diagnose before they
// are stored: unknown extensions, oversized files, undecodable content and
// images outside the accepted dimension range. r must be positioned at the
// start of the file content; only the header is read.
func ValidateUpload(filename string, size int64, r io.Reader) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedUploadExt[ext] {
		return errs.New(errs.KindDecodeError,
			fmt.Sprintf("file type %q not allowed, expected one of .jpg .jpeg .png .webp .avif", ext))
	}
	if size > MaxUploadBytes {
		return errs.New(errs.KindDecodeError,
			fmt.Sprintf("file too large: %d bytes, maximum %d", size, MaxUploadBytes))
	}
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return errs.Wrap(errs.KindDecodeError, "cannot decode uploaded image", err)
	}
	if cfg.Width < MinUploadDim || cfg.Height < MinUploadDim {
		return errs.New(errs.KindDecodeError,
			fmt.Sprintf("image %dx%d too small, minimum %dx%d", cfg.Width, cfg.Height, MinUploadDim, MinUploadDim))
	}
	if cfg.Width > MaxUploadDim || cfg.Height > MaxUploadDim {
		return errs.New(errs.KindDecodeError,
			fmt.Sprintf("image %dx%d too large, maximum %dx%d", cfg.Width, cfg.Height, MaxUploadDim, MaxUploadDim))
	}
	return nil
}
