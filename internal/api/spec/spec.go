package spec

import (
	_ "embed"
	"net/http"
)

//go:embed openapi.yaml
var openapi []byte

// OpenAPIHandler serves the embedded API document that /swagger renders.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(openapi)
	}
}
