// Package httpjson contains helpers for rendering and decoding JSON over
// HTTP.
package httpjson

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type contentType int

// JSON is the content type used by all TensorGrid API responses.
const JSON contentType = iota

var contentTypeHeaders = map[contentType]string{
	JSON: "application/json; charset=utf-8",
}

// RenderStatus writes data to the response as JSON with the provided status
// code.
func RenderStatus(w http.ResponseWriter, statusCode int, data interface{}, cType contentType) error {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling response body: %w", err)
	}

	w.Header().Set("Content-Type", contentTypeHeaders[cType])
	w.WriteHeader(statusCode)
	_, err = w.Write(body)
	return err
}

// Render writes data to the response as JSON with a 200 status code.
func Render(w http.ResponseWriter, data interface{}, cType contentType) error {
	return RenderStatus(w, http.StatusOK, data, cType)
}
