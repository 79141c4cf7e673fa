package githttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	errUnsupportedEncoding = errors.New("unsupported content encoding")
	errBodyTooLarge        = errors.New("request body too large")
)

// requestBody returns the request body with any gzip content encoding removed
func requestBody(r *http.Request) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return r.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read gzip body: %w", err)
		}
		return zr, nil
	default:
		return nil, errUnsupportedEncoding
	}
}

// readPushBody buffers the whole push request, compressed and decoded size both
// bounded by limit.
func readPushBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	body, err := requestBody(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
