// Package httpdecode contains helpers for decoding HTTP request payloads.
package httpdecode

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DecodeJSON decodes the request body as JSON into v.
func DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}
