package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	maxBodyBytesSmall   int64 = 64 << 10
	maxBodyBytesCommand int64 = 1 << 20
)

// decodeJSONBody decodes a bounded JSON request body into dst. allowEOF lets
// endpoints treat an empty body as the zero value.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEOF && errors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}
