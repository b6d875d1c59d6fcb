package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// RenderQR encodes a pairing code as a PNG data URL suitable for an <img>
// tag.
func RenderQR(code string, size int) (string, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("session: render qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
