package httpmsg

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
)

// CompressGzip gzip-compresses data. An empty input compresses to a valid
// empty-content gzip stream rather than erroring.
func CompressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("httpmsg: gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("httpmsg: gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

// CompressDeflate raw-deflate-compresses data.
func CompressDeflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("httpmsg: deflate compress: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("httpmsg: deflate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("httpmsg: deflate compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data per the Content-Encoding value (gzip or
// deflate, case-insensitive). An empty input decodes to an empty result
// rather than erroring, since a body can legitimately be absent.
func Decompress(encoding string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch lower(encoding) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("httpmsg: gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("httpmsg: gzip decompress: %w", err)
		}
		return out, nil
	case "deflate":
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("httpmsg: deflate decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
