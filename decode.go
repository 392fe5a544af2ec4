package cfw

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content encoding constants.
const (
	EncodingGzip    = "gzip"
	EncodingZstd    = "zstd"
	EncodingBrotli  = "br"
	EncodingDeflate = "deflate"
)

// DefaultMaxDecodedSize caps how far a compressed body is inflated for
// inspection. Bodies past the cap are classified on the truncated
// prefix.
const DefaultMaxDecodedSize = 4 << 20

// ErrDecodedTooLarge reports a body that inflated past the cap. The
// returned bytes hold the prefix up to the cap.
var ErrDecodedTooLarge = errors.New("decoded body exceeds size cap")

// parseContentEncoding normalizes a Content-Encoding header value to one
// of the encoding constants. Chained encodings yield the outermost
// (last) coding, which is the one to strip first.
func parseContentEncoding(header string) string {
	parts := strings.Split(header, ",")
	enc := strings.ToLower(strings.TrimSpace(parts[len(parts)-1]))
	switch enc {
	case "x-gzip":
		return EncodingGzip
	case "identity", "":
		return ""
	}
	return enc
}

// DecodeBody inflates a compressed body for inspection. Unknown or empty
// encodings return the input unchanged. maxSize of zero means
// DefaultMaxDecodedSize.
func DecodeBody(data []byte, encoding string, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxDecodedSize
	}

	var r io.Reader
	switch encoding {
	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		r = gr
	case EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr.IOReadCloser()
	default:
		return data, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	if len(out) > maxSize {
		return out[:maxSize], ErrDecodedTooLarge
	}
	return out, nil
}

// Writer pool for reusing gzip writers across encodes.
var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// EncodeBody re-compresses a rewritten body with the encoding the
// original message declared, so the message stays consistent with its
// headers. Unknown or empty encodings return the input unchanged.
func EncodeBody(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip:
		return encodeGzip(data)
	case EncodingDeflate:
		return encodeDeflate(data)
	case EncodingBrotli:
		return encodeBrotli(data)
	case EncodingZstd:
		return encodeZstd(data)
	default:
		return data, nil
	}
}

func encodeGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriterPool.Get().(*gzip.Writer)
	w.Reset(&buf)
	defer func() {
		w.Reset(io.Discard)
		gzipWriterPool.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeDeflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeZstd(data []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(data, nil), nil
}
