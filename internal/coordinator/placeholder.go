package coordinator

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
)

// font3x5 is a minimal bitmap font, 3 columns by 5 rows, covering only the
// glyphs the offline placeholder needs: digits, 'x', and the letters of
// "OFFLINE". Each rune maps to 5 rows of a 3-bit mask (bit 2 = leftmost
// column).
var font3x5 = map[rune][5]byte{
	'0': {0b111, 0b101, 0b101, 0b101, 0b111},
	'1': {0b010, 0b110, 0b010, 0b010, 0b111},
	'2': {0b111, 0b001, 0b111, 0b100, 0b111},
	'3': {0b111, 0b001, 0b111, 0b001, 0b111},
	'4': {0b101, 0b101, 0b111, 0b001, 0b001},
	'5': {0b111, 0b100, 0b111, 0b001, 0b111},
	'6': {0b111, 0b100, 0b111, 0b101, 0b111},
	'7': {0b111, 0b001, 0b010, 0b010, 0b010},
	'8': {0b111, 0b101, 0b111, 0b101, 0b111},
	'9': {0b111, 0b101, 0b111, 0b001, 0b111},
	'x': {0b000, 0b101, 0b010, 0b101, 0b000},
	'O': {0b111, 0b101, 0b101, 0b101, 0b111},
	'F': {0b111, 0b100, 0b111, 0b100, 0b100},
	'L': {0b100, 0b100, 0b100, 0b100, 0b111},
	'I': {0b111, 0b010, 0b010, 0b010, 0b111},
	'N': {0b101, 0b111, 0b111, 0b101, 0b101},
	'E': {0b111, 0b100, 0b111, 0b100, 0b111},
	' ': {0, 0, 0, 0, 0},
}

const (
	glyphScale = 3
	glyphGapPx = 1 * glyphScale
)

func drawText(img draw.Image, x, y int, text string, fg color.Color) {
	cursor := x
	for _, r := range text {
		glyph, ok := font3x5[r]
		if !ok {
			glyph = font3x5[' ']
		}
		for row := 0; row < 5; row++ {
			bits := glyph[row]
			for col := 0; col < 3; col++ {
				if bits&(1<<(2-col)) == 0 {
					continue
				}
				px := cursor + col*glyphScale
				py := y + row*glyphScale
				for dy := 0; dy < glyphScale; dy++ {
					for dx := 0; dx < glyphScale; dx++ {
						img.Set(px+dx, py+dy, fg)
					}
				}
			}
		}
		cursor += 3*glyphScale + glyphGapPx
	}
}

// buildPlaceholder renders a mid-gray image of the given geometry with
// centered text reporting the dimensions and the word OFFLINE, then
// compresses it with enc. The visual design is implementation-chosen: the
// spec only fixes its observable semantics (an online=false JPEG of the
// expected geometry, republished every offline_refresh).
func buildPlaceholder(enc encoder.Encoder, width, height int) (frame.Frame, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: gray}, image.Point{}, draw.Src)

	line1 := "OFFLINE"
	line2 := fmt.Sprintf("%dx%d", width, height)
	white := color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}

	textWidth := func(s string) int { return len(s)*(3*glyphScale+glyphGapPx) - glyphGapPx }
	cx := width / 2
	cy := height / 2

	drawText(img, cx-textWidth(line1)/2, cy-16, line1, white)
	drawText(img, cx-textWidth(line2)/2, cy+4, line2, white)

	// img.Pix is RGBA (4 bytes/px); repack to RGB24 so the CPU encoder's
	// packed-to-image path (which expects 3 bytes/px for RGB24) applies.
	rgb := make([]byte, width*height*3)
	for i, n := 0, width*height; i < n; i++ {
		rgb[i*3], rgb[i*3+1], rgb[i*3+2] = img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2]
	}
	raw := frame.Frame{
		Buffer:      rgb,
		Width:       width,
		Height:      height,
		PixelFormat: frame.PixelFormatRGB24,
		Stride:      width * 3,
		Used:        len(rgb),
	}

	return enc.Encode(raw)
}
