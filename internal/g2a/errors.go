// Package g2a is the client for the reseller catalog and order API.
package g2a

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Category classifies reseller API failures by origin so callers can
// decide between retry, compensation, and plain surfacing.
type Category string

const (
	CategoryAuthFailed  Category = "auth_failed"
	CategoryNotFound    Category = "not_found"
	CategoryBadEndpoint Category = "bad_endpoint"
	CategoryRateLimited Category = "rate_limited"
	CategoryOutOfStock  Category = "out_of_stock"
	CategoryNetwork     Category = "network"
	CategoryTimeout     Category = "timeout"
	CategoryUpstream    Category = "upstream"
)

// APIError carries the originating operation, HTTP status, and raw body
// for diagnosis.
type APIError struct {
	Op         string
	Status     int
	Category   Category
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("g2a %s: %s (status %d)", e.Op, e.Category, e.Status)
	}
	return fmt.Sprintf("g2a %s: %s", e.Op, e.Category)
}

// classifyStatus maps a non-2xx response to an APIError. A 404 with an
// HTML body means the endpoint itself is misconfigured: the upstream
// serves an HTML error page on wrong URLs, which is a different problem
// than a missing product.
func classifyStatus(op string, status int, body string, header map[string][]string) *APIError {
	apiErr := &APIError{Op: op, Status: status, Body: truncateBody(body)}

	switch {
	case status == 401 || status == 403:
		apiErr.Category = CategoryAuthFailed
	case status == 404 && looksLikeHTML(body):
		apiErr.Category = CategoryBadEndpoint
	case status == 404:
		apiErr.Category = CategoryNotFound
	case status == 429:
		apiErr.Category = CategoryRateLimited
		apiErr.RetryAfter = parseRetryAfter(header)
	case status == 402:
		apiErr.Category = CategoryOutOfStock
	default:
		apiErr.Category = CategoryUpstream
	}

	return apiErr
}

// classifyTransport maps connection-level failures.
func classifyTransport(op string, err error) *APIError {
	category := CategoryNetwork

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		category = CategoryTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		category = CategoryTimeout
	}

	return &APIError{Op: op, Category: category, Body: err.Error()}
}

// IsCritical reports whether a fulfillment error must trigger order
// compensation rather than being recorded and skipped.
func IsCritical(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Category {
	case CategoryAuthFailed, CategoryOutOfStock, CategoryUpstream:
		return true
	}
	return false
}

// IsRetryable reports whether the backoff helper may retry the call.
// Only read paths consult this; order/pay/key calls are at-most-once.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Category {
	case CategoryRateLimited, CategoryNetwork, CategoryTimeout:
		return true
	}
	return false
}

// CategoryOf returns the category of an APIError, or empty for any
// other error.
func CategoryOf(err error) Category {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return ""
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(body))
	return strings.HasPrefix(trimmed, "<!doctype html") || strings.HasPrefix(trimmed, "<html")
}

// parseRetryAfter accepts both Retry-After forms: delta-seconds and an
// HTTP-date.
func parseRetryAfter(header map[string][]string) time.Duration {
	for name, values := range header {
		if !strings.EqualFold(name, "Retry-After") || len(values) == 0 {
			continue
		}
		if secs, err := strconv.Atoi(values[0]); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(values[0]); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	return 0
}

func truncateBody(body string) string {
	const max = 512
	if len(body) > max {
		return body[:max]
	}
	return body
}
