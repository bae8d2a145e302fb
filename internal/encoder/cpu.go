package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	mframe "github.com/quartzcam/mjpegd/internal/frame"
)

// cpuEncoder implements Encoder on the standard library's image/jpeg.
// Grounded on the teacher's own benchmark comparisons between its
// cgo/turbojpeg compressor and image/jpeg (internal/driver/jpeg/jpeg_test.go
// BenchmarkCompressBuiltin): the teacher already treats the stdlib encoder
// as a legitimate baseline, which is what the mandatory CPU path needs
// since hardware/native encoders are out of core scope here.
type cpuEncoder struct {
	opts jpeg.Options
	buf  bytes.Buffer
}

func newCPUEncoder(o Options) *cpuEncoder {
	q := o.Quality
	if q < 1 || q > 100 {
		q = 80
	}
	return &cpuEncoder{opts: jpeg.Options{Quality: q}}
}

func (c *cpuEncoder) Kind() Kind { return Cpu }

func (c *cpuEncoder) Close() error { return nil }

func (c *cpuEncoder) Encode(src mframe.Frame) (mframe.Frame, error) {
	img, err := toImage(src)
	if err != nil {
		return mframe.Frame{}, err
	}
	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, img, &c.opts); err != nil {
		return mframe.Frame{}, fmt.Errorf("cpu encoder: %w", err)
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return mframe.Frame{
		Buffer:      out,
		Width:       src.Width,
		Height:      src.Height,
		PixelFormat: mframe.PixelFormatJPEG,
		Used:        len(out),
		GrabTS:      src.GrabTS,
	}, nil
}

// toImage converts a raw Frame into a standard library image.Image,
// supporting the raw formats named in the data model (YUYV, UYVY, RGB24,
// BGR24, GREY). JPEG/MJPEG/H264 sources are not re-encodable raw pixels
// and are rejected.
func toImage(f mframe.Frame) (image.Image, error) {
	w, h := f.Width, f.Height
	switch f.PixelFormat {
	case mframe.PixelFormatGREY:
		img := image.NewGray(image.Rect(0, 0, w, h))
		stride := f.Stride
		if stride == 0 {
			stride = w
		}
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], f.Buffer[y*stride:y*stride+w])
		}
		return img, nil
	case mframe.PixelFormatRGB24:
		return packedToRGBA(f, 3, false)
	case mframe.PixelFormatBGR24:
		return packedToRGBA(f, 3, true)
	case mframe.PixelFormatYUYV:
		return yuyvToRGBA(f, false)
	case mframe.PixelFormatUYVY:
		return yuyvToRGBA(f, true)
	default:
		return nil, fmt.Errorf("cpu encoder: cannot encode raw pixels from format %s", f.PixelFormat)
	}
}

func packedToRGBA(f mframe.Frame, bpp int, swapRB bool) (image.Image, error) {
	w, h := f.Width, f.Height
	stride := f.Stride
	if stride == 0 {
		stride = w * bpp
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := f.Buffer[y*stride:]
		for x := 0; x < w; x++ {
			o := x * bpp
			var r, g, b byte
			if swapRB {
				b, g, r = row[o], row[o+1], row[o+2]
			} else {
				r, g, b = row[o], row[o+1], row[o+2]
			}
			img.Set(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return img, nil
}

// yuyvToRGBA converts packed 4:2:2 YUV (YUYV or UYVY byte order) into an
// RGBA image using the standard BT.601 conversion from image/color.
func yuyvToRGBA(f mframe.Frame, uFirst bool) (image.Image, error) {
	w, h := f.Width, f.Height
	stride := f.Stride
	if stride == 0 {
		stride = w * 2
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := f.Buffer[y*stride:]
		for x := 0; x < w; x += 2 {
			o := x * 2
			var y0, y1, u, v byte
			if uFirst {
				u, y0, v, y1 = row[o], row[o+1], row[o+2], row[o+3]
			} else {
				y0, u, y1, v = row[o], row[o+1], row[o+2], row[o+3]
			}
			c0 := color.YCbCr{Y: y0, Cb: u, Cr: v}
			c1 := color.YCbCr{Y: y1, Cb: u, Cr: v}
			r0, g0, b0, _ := c0.RGBA()
			img.SetRGBA(x, y, color.RGBA{R: byte(r0 >> 8), G: byte(g0 >> 8), B: byte(b0 >> 8), A: 0xff})
			if x+1 < w {
				r1, g1, b1, _ := c1.RGBA()
				img.SetRGBA(x+1, y, color.RGBA{R: byte(r1 >> 8), G: byte(g1 >> 8), B: byte(b1 >> 8), A: 0xff})
			}
		}
	}
	return img, nil
}
