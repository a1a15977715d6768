package batch

import (
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
)

// RetryableStatus reports whether an HTTP status code indicates a
// transient condition worth retrying: rate limits, server errors, and
// gateway timeouts. Client errors are permanent.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}

	return status >= 500
}

// RetryableError reports whether a transport-level error is transient:
// timeouts, connection resets, refused connections. Anything else is
// treated as permanent.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}
