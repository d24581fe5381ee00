package querier

import (
	"fmt"
	"net/http"
)

// resultWriter encodes query rows onto the response
type resultWriter func(rows []map[string]any, w http.ResponseWriter) error

const defaultFormat = "json"

var resultWriters = map[string]resultWriter{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
}

// resultFormat picks the writer named by ?format=, then by the request
// body, then the default
func resultFormat(r *http.Request, requested string) (resultWriter, error) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = requested
	}
	if name == "" {
		name = defaultFormat
	}
	fn, ok := resultWriters[name]
	if !ok {
		return nil, fmt.Errorf("Unknown format %q", name)
	}
	return fn, nil
}
