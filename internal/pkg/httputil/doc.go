// Package httputil provides the JSON response and request-decoding helpers
// shared by all API handlers.
//
// Handlers never write to http.ResponseWriter directly; they go through these
// helpers so the error envelope, content type, and logging stay uniform
// across the control surface.
package httputil
