// Package qr renders QR codes as terminal-printable lines, used by
// gatewayd to show a pairing URL when it starts with --print-qr.
//
// Uses Unicode half-block characters for correct aspect ratio since
// terminal characters are approximately 2:1 (height:width).
package qr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

var recoveryLevels = []qrcode.RecoveryLevel{
	qrcode.High,
	qrcode.Medium,
	qrcode.Low,
}

var tooLarge = []string{
	"QR code too large for terminal",
	"Please resize your terminal window",
	"(need at least 60x30 characters)",
}

// GenerateLines renders data as a QR code sized to fit within
// maxWidth x maxHeight terminal cells. It tries progressively lower
// error-correction levels (which shrink the code) until one fits, and
// falls back to an explanatory message if none do.
func GenerateLines(data string, maxWidth, maxHeight uint16) []string {
	return render(data, maxWidth, maxHeight, false)
}

// GenerateLinesInverted is GenerateLines with dark/light swapped, for
// light-on-dark terminal themes.
func GenerateLinesInverted(data string, maxWidth, maxHeight uint16) []string {
	return render(data, maxWidth, maxHeight, true)
}

func render(data string, maxWidth, maxHeight uint16, invert bool) []string {
	for _, level := range recoveryLevels {
		qr, err := qrcode.New(data, level)
		if err != nil {
			continue
		}

		bitmap := qr.Bitmap()
		if len(bitmap) == 0 || len(bitmap[0]) == 0 {
			continue
		}

		size := len(bitmap)
		qrWidth := uint16(size)
		qrHeight := uint16((size + 1) / 2)
		if qrWidth > maxWidth || qrHeight > maxHeight {
			continue
		}

		return renderBitmap(bitmap, size, invert)
	}
	return tooLarge
}

// renderBitmap packs two QR module rows into one terminal row using
// half-block characters: ▀ upper dark, ▄ lower dark, █ both, space
// neither. true in bitmap means a dark module.
func renderBitmap(bitmap [][]bool, size int, invert bool) []string {
	lines := make([]string, 0, (size+1)/2)
	for rowPair := 0; rowPair < (size+1)/2; rowPair++ {
		upperY := rowPair * 2
		lowerY := rowPair*2 + 1

		var sb strings.Builder
		sb.Grow(size * 3) // UTF-8 block chars are 3 bytes

		for x := 0; x < size; x++ {
			upper := bitmap[upperY][x]
			lower := false
			if lowerY < size {
				lower = bitmap[lowerY][x]
			}
			if invert {
				upper = !upper
				lower = lowerY >= size || !lower
			}
			sb.WriteRune(blockChar(upper, lower))
		}
		lines = append(lines, sb.String())
	}
	return lines
}

func blockChar(upper, lower bool) rune {
	switch {
	case upper && lower:
		return '█'
	case upper && !lower:
		return '▀'
	case !upper && lower:
		return '▄'
	default:
		return ' '
	}
}

// Dimensions returns the terminal column/row footprint GenerateLines
// would need for data at medium recovery, or (0, 0) if encoding fails.
func Dimensions(data string) (uint16, uint16) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return 0, 0
	}
	bitmap := qr.Bitmap()
	if len(bitmap) == 0 {
		return 0, 0
	}
	size := len(bitmap)
	return uint16(size), uint16((size + 1) / 2)
}
