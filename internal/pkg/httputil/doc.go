// Package httputil holds the JSON response and request helpers shared by
// the API handlers. Handlers map domain errors through FromError so every
// endpoint reports rejections with the same status codes and error codes.
package httputil
