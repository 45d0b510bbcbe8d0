// Package http includes handlers and utilities shared by the HTTP endpoints.
package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodySize is the request body limit used when none is configured.
const DefaultMaxBodySize = 1 << 20

// MaxBodyHandler limits the size of request bodies to n bytes.
// Reading past the limit fails and the handler sees a read error.
func MaxBodyHandler(next http.Handler, n int64) http.HandlerFunc {
	if n < 1 {
		n = DefaultMaxBodySize
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	}
}

// ReadAllAndReplaceBody reads all of r.Body and replaces it with a
// reader over the same bytes so that later handlers can read it again.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

// DumpHandler writes the method, path and body of each request to output.
// Requests whose body cannot be read are rejected.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := ReadAllAndReplaceBody(r)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(output, "%s %s\n%s\n", r.Method, r.URL.Path, body)
		next.ServeHTTP(w, r)
	}
}
