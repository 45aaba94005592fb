package qrdecode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	_ "golang.org/x/image/webp"
)

// Local decodes on this machine. With preprocess set, the image is rotated
// per its EXIF orientation, converted to grayscale and contrast-stretched
// to the full 0..255 range before the reader runs. Phone photos of thermal
// paper are often low-contrast and sideways.
type Local struct {
	preprocess bool
}

// NewLocal returns the "local" (preprocess=true) or "local-raw" strategy.
func NewLocal(preprocess bool) *Local {
	return &Local{preprocess: preprocess}
}

func (l *Local) Name() string {
	if l.preprocess {
		return StrategyLocal
	}
	return StrategyLocalRaw
}

func (l *Local) Decode(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty input", ErrBadImage)
	}
	var opts []imaging.DecodeOption
	if l.preprocess {
		opts = append(opts, imaging.AutoOrientation(true))
	}
	img, err := imaging.Decode(bytes.NewReader(data), opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if l.preprocess {
		img = stretchContrast(imaging.Grayscale(img))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return readQR(img)
}

func readQR(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		// NotFound, checksum and format failures all mean no readable code.
		return "", nil
	}
	return res.GetText(), nil
}

// stretchContrast maps the darkest gray level to 0 and the brightest to 255.
// A flat image is returned unchanged.
func stretchContrast(img *image.NRGBA) *image.NRGBA {
	lo, hi := uint8(255), uint8(0)
	for i := 0; i < len(img.Pix); i += 4 {
		v := img.Pix[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return img
	}
	span := float64(hi - lo)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		if c.R <= lo {
			return color.NRGBA{A: c.A}
		}
		v := uint8(float64(c.R-lo) * 255 / span)
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	})
}
