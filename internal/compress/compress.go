// Package compress implements the transfer encoding shared by the manifest
// client and the deaddrop bus. Compression is an encoding concern only:
// checksums and identity are always computed over the uncompressed bytes.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// EncodingGzip is the wire signal for gzip-encoded content. Encoding is
// always declared explicitly, never sniffed from the payload.
const EncodingGzip = "gzip"

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// Maybe compresses data when it is at least threshold bytes and compression
// saves at least minSaving of the original size. Already-compressed content
// (images, archives) fails the saving check and travels as-is.
func Maybe(data []byte, threshold int, minSaving float64) ([]byte, bool) {
	if threshold <= 0 || len(data) < threshold {
		return data, false
	}

	compressed, err := Gzip(data)
	if err != nil {
		return data, false
	}

	saved := 1 - float64(len(compressed))/float64(len(data))
	if saved < minSaving {
		return data, false
	}
	return compressed, true
}
