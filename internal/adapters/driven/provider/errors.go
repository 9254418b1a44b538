// Package provider holds the error mapping shared by the HTTP adapters of
// external model services (embedding, generation, re-ranking).
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// maxBody bounds how much of an error body is kept in messages.
const maxBody = 300

// StatusError maps an HTTP failure to the domain taxonomy.
//
//   - 429 wraps domain.ErrRateLimited (retryable)
//   - 408 and 5xx wrap unavailable (retryable)
//   - anything else is a plain error: the request itself is wrong and
//     retrying will not help
func StatusError(service string, status int, body string, unavailable error) error {
	body = strings.TrimSpace(body)
	if len(body) > maxBody {
		body = body[:maxBody] + "..."
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", service, status, domain.ErrRateLimited)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%s: status %d: %w: %s", service, status, unavailable, body)
	default:
		return fmt.Errorf("%s: status %d: %s", service, status, body)
	}
}

// TransportError maps a failed round trip. Caller cancellation is returned
// unchanged; everything else (refused connection, DNS, timeout) wraps unavailable.
func TransportError(ctx context.Context, service string, err error, unavailable error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", service, unavailable, err)
}
