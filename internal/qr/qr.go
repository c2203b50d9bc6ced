// Package qr renders pairing challenges as embeddable PNG data URLs.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const dataURLPrefix = "data:image/png;base64,"

var ErrEmptyChallenge = errors.New("qr: empty pairing challenge")

// Options controls rendering. Zero values select a 256px image with medium
// error correction.
type Options struct {
	Size  int
	Level string // low, medium, high, highest
}

func (o Options) level() (qrcode.RecoveryLevel, error) {
	switch strings.ToLower(strings.TrimSpace(o.Level)) {
	case "", "medium":
		return qrcode.Medium, nil
	case "low":
		return qrcode.Low, nil
	case "high":
		return qrcode.High, nil
	case "highest":
		return qrcode.Highest, nil
	default:
		return 0, fmt.Errorf("qr: unknown recovery level %q", o.Level)
	}
}

// Render encodes challenge into a PNG data URL.
func Render(challenge string, opts Options) (string, error) {
	if challenge == "" {
		return "", ErrEmptyChallenge
	}
	lvl, err := opts.level()
	if err != nil {
		return "", err
	}
	size := opts.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(challenge, lvl, size)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// Decode returns the PNG bytes of a data URL produced by Render.
func Decode(dataURL string) ([]byte, error) {
	raw, ok := strings.CutPrefix(dataURL, dataURLPrefix)
	if !ok {
		return nil, errors.New("qr: not a png data url")
	}
	return base64.StdEncoding.DecodeString(raw)
}
