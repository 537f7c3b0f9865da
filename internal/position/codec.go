// Package position compresses and decompresses book position strings.
//
// A position is an opaque CFI-like pointer into a book's content. It is
// stored and transmitted compressed: gzip for the byte reduction (CFIs
// are long and highly repetitive), base64 so the result stays a plain
// string in JSON bodies and text columns.
package position

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// maxDecodedBytes caps decompressed output. Positions are short strings;
// anything larger is a corrupt or hostile payload.
const maxDecodedBytes = 1 << 20

// Compress gzips the position string and encodes it as base64.
func Compress(pos string) (string, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(pos)); err != nil {
		return "", fmt.Errorf("compressing position: %w", err)
	}

	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("flushing position: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decoding position: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decompressing position: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(io.LimitReader(gz, maxDecodedBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading position: %w", err)
	}

	if len(out) > maxDecodedBytes {
		return "", fmt.Errorf("decompressed position exceeds %d bytes", maxDecodedBytes)
	}

	return string(out), nil
}
