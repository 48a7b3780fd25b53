package chunk

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ohler55/ojg/oj"
)

// zstdDecoder is shared; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil)

// Decompress undoes transport compression implied by the filename suffix
// (.gz or .zst). Other files are returned unchanged.
func Decompress(filename string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(filename, ".gz"):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip %s: %w", ErrParse, filename, err)
		}
		defer func() { _ = r.Close() }() // safe to ignore
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gunzip %s: %w", ErrParse, filename, err)
		}
		return out, nil
	case strings.HasSuffix(filename, ".zst"):
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd %s: %w", ErrParse, filename, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// Parse decodes a chunk body into generic JSON values
// (map[string]any, []any, string, int64, float64, bool, nil).
func Parse(filename string, data []byte) (any, error) {
	raw, err := Decompress(filename, data)
	if err != nil {
		return nil, err
	}
	return ParseJSON(filename, raw)
}

// ParseJSON is Parse for bytes that are already decompressed.
func ParseJSON(filename string, raw []byte) (any, error) {
	v, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, filename, err)
	}
	return v, nil
}
