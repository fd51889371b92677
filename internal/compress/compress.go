// Package compress implements the Body Decompression component (C12):
// transparently decoding an upstream response body per its Content-Encoding
// before the dialect transformer or the event store's preview logic ever
// sees it. Grounded on the compression imports of
// internal/logging/request_logger.go in the teacher repo.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Decode returns body decoded according to encoding (the raw Content-Encoding
// header value, case-insensitive, optionally comma-separated). An empty or
// "identity" encoding returns body unchanged. The gateway never forwards
// whatever Content-Encoding it received to the client — callers always
// serve the decoded bytes as identity, since the dialect transformer
// rewrites the body anyway.
func Decode(encoding string, body []byte) ([]byte, error) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if encoding == "" || encoding == "identity" {
		return body, nil
	}

	// A chain like "gzip, br" lists codings in the order they were applied
	// (innermost first); decode in reverse.
	layers := strings.Split(encoding, ",")
	out := body
	for i := len(layers) - 1; i >= 0; i-- {
		layer := strings.TrimSpace(layers[i])
		decoded, err := decodeOne(layer, out)
		if err != nil {
			return nil, fmt.Errorf("compress: decode %q: %w", layer, err)
		}
		out = decoded
	}
	return out, nil
}

func decodeOne(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}
