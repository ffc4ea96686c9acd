package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"postbot/internal/publish"
	logx "postbot/pkg/logx"
)

const (
	// Canvas sizes. Portrait is used for single photos with a tall aspect;
	// albums are always square so the set renders uniformly.
	squareSide     = 1080
	portraitWidth  = 1080
	portraitHeight = 1350

	// portraitAspect is the height/width ratio above which a single photo
	// gets the portrait canvas.
	portraitAspect = 1.2

	// maxEncodedBytes is the platform photo cap.
	maxEncodedBytes = 8 << 20

	// jpegQuality is fixed. A photo that exceeds the cap at this quality
	// is rejected, never re-encoded lower.
	jpegQuality = 95

	minDimension = 100
	maxDimension = 5000
)

// Normalizer re-renders input photos onto a white canvas at platform
// dimensions. Accepted inputs: JPEG, PNG, WebP.
type Normalizer struct {
	store *Store
	log   logx.Logger
}

func NewNormalizer(store *Store, log logx.Logger) *Normalizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Normalizer{store: store, log: log.With(logx.String("comp", "media.normalizer"))}
}

// NormalizeFile validates, scales and re-encodes the photo at path.
// album selects the always-square canvas. Returns the path of a newly
// written JPEG; the input file is left untouched.
func (n *Normalizer) NormalizeFile(path string, album bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", publish.E(publish.KindDownload, "normalize", err)
	}
	img, format, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return "", publish.Errorf(publish.KindUnsupportedMedia, "normalize", "decode %s: %v", path, err)
	}
	switch format {
	case "jpeg", "png", "webp":
	default:
		return "", publish.Errorf(publish.KindUnsupportedMedia, "normalize", "format %q not accepted", format)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < minDimension || h < minDimension {
		return "", publish.Errorf(publish.KindUnsupportedMedia, "normalize", "image %dx%d below %dpx minimum", w, h, minDimension)
	}
	if w > maxDimension || h > maxDimension {
		return "", publish.Errorf(publish.KindUnsupportedMedia, "normalize", "image %dx%d above %dpx maximum", w, h, maxDimension)
	}

	cw, ch := canvasSize(w, h, album)
	canvas := renderOnWhite(img, cw, ch)

	data, err := encodeUnderCap(canvas)
	if err != nil {
		return "", err
	}

	out := n.store.NewFile(".jpg")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write normalized photo: %w", err)
	}

	n.log.Debug("photo normalized",
		logx.String("src", path),
		logx.String("out", out),
		logx.String("format", format),
		logx.Int("canvas_w", cw),
		logx.Int("canvas_h", ch),
		logx.Int("bytes", len(data)))
	return out, nil
}

// canvasSize picks square or portrait. Albums are always square.
func canvasSize(w, h int, album bool) (int, int) {
	if !album && float64(h)/float64(w) > portraitAspect {
		return portraitWidth, portraitHeight
	}
	return squareSide, squareSide
}

// renderOnWhite scales img to fit the canvas (Catmull-Rom) and centers it
// on white. Alpha is flattened onto the background.
func renderOnWhite(img image.Image, cw, ch int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	b := img.Bounds()
	scale := minF(float64(cw)/float64(b.Dx()), float64(ch)/float64(b.Dy()))
	tw := int(float64(b.Dx()) * scale)
	th := int(float64(b.Dy()) * scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	x0 := (cw - tw) / 2
	y0 := (ch - th) / 2

	dst := image.Rect(x0, y0, x0+tw, y0+th)
	draw.CatmullRom.Scale(canvas, dst, img, b, draw.Over, nil)
	return canvas
}

// encodeUnderCap encodes at the fixed quality and enforces the size cap.
func encodeUnderCap(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	if buf.Len() > maxEncodedBytes {
		return nil, publish.Errorf(publish.KindSizeLimit, "normalize",
			"photo is %d bytes at quality %d (cap %d)", buf.Len(), jpegQuality, maxEncodedBytes)
	}
	return buf.Bytes(), nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
