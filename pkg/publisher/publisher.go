// Package publisher uploads finalized batch payloads to a content-addressed
// store and returns the content identifier (CID) the store assigns.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrPublishFailed is returned when the store could not be reached or
// rejected the payload. Callers may retry.
var ErrPublishFailed = errors.New("publish failed")

// Publisher accepts a JSON document and returns its content identifier.
// name is a human-readable label some backends attach as metadata.
type Publisher interface {
	Publish(ctx context.Context, name string, content []byte) (string, error)
}

// StatusError carries the HTTP status returned by a remote store.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request could succeed.
func (e *StatusError) Temporary() bool {
	return temporaryStatus(e.StatusCode)
}

// httpStatusError is implemented by the AWS SDK's smithy response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// IsPermanent reports whether err will not go away on retry: a StatusError
// or an AWS response error whose status is a client error other than 408
// or 429.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	var he httpStatusError
	if errors.As(err, &he) {
		code := he.HTTPStatusCode()
		return code >= http.StatusBadRequest && !temporaryStatus(code)
	}
	return false
}

func temporaryStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}
