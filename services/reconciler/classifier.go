package reconciler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"musicgen-controlplane/pkg/provider"
)

type Category string

const (
	CategoryProviderQuota    Category = "provider_quota"
	CategoryRateLimit        Category = "rate_limit"
	CategoryProviderServer   Category = "provider_server_error"
	CategoryAuth             Category = "auth_error"
	CategoryValidation       Category = "validation_error"
	CategoryNetwork          Category = "network_error"
	CategoryTimeout          Category = "timeout"
	CategoryNotFound         Category = "not_found_in_provider"
	CategorySystem           Category = "system_error"
	CategoryUnknown          Category = "unknown"
	CategoryProviderReported Category = "provider_reported"
)

var (
	// ErrAttemptsExhausted marks a task that stayed non-terminal for every
	// scheduled check.
	ErrAttemptsExhausted = errors.New("status check attempts exhausted")
	// ErrNotFoundInProvider marks a task the provider no longer reports.
	ErrNotFoundInProvider = errors.New("task not found in provider response")
)

// Classification is the retry decision and user-facing summary of an error.
type Classification struct {
	Category          Category `json:"category"`
	Retryable         bool     `json:"retryable"`
	UserMessage       string   `json:"user_message"`
	RetryAfterSeconds int      `json:"retry_after_seconds"`
}

var classifications = map[Category]Classification{
	CategoryProviderQuota:  {CategoryProviderQuota, true, "The music service is temporarily out of capacity. Please try again later.", 300},
	CategoryRateLimit:      {CategoryRateLimit, true, "Too many requests right now. Please wait a moment.", 60},
	CategoryProviderServer: {CategoryProviderServer, true, "The music service is having trouble. We will keep checking.", 30},
	CategoryAuth:           {CategoryAuth, false, "The music service rejected our credentials. Support has been notified.", 0},
	CategoryValidation:     {CategoryValidation, false, "The generation request was invalid.", 0},
	CategoryNetwork:        {CategoryNetwork, true, "We could not reach the music service. We will keep checking.", 15},
	CategoryTimeout:        {CategoryTimeout, false, "Your song took too long to generate. Please try again.", 0},
	CategoryNotFound:       {CategoryNotFound, false, "The music service lost track of this song. Please try again.", 0},
	CategorySystem:         {CategorySystem, true, "Something went wrong on our side. We will keep checking.", 60},
	CategoryUnknown:        {CategoryUnknown, true, "An unexpected error occurred. We will keep checking.", 60},
}

func classification(c Category) Classification {
	return classifications[c]
}

var networkKeywords = []string{"connection", "timeout", "timed out", "dns", "no such host", "socket", "ssl", "tls", "refused"}

var quotaKeywords = []string{"quota", "insufficient", "balance", "credit"}

func containsAny(s string, words []string) bool {
	s = strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ClassifyHTTP maps a provider HTTP status code.
func ClassifyHTTP(status int) Classification {
	switch {
	case status == http.StatusTooManyRequests:
		return classification(CategoryRateLimit)
	case status == http.StatusPaymentRequired:
		return classification(CategoryProviderQuota)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return classification(CategoryAuth)
	case status == http.StatusBadRequest:
		return classification(CategoryValidation)
	case status == http.StatusNotFound:
		return classification(CategoryNotFound)
	case status >= 500 && status <= 599:
		return classification(CategoryProviderServer)
	default:
		return classification(CategoryUnknown)
	}
}

// Classify decides whether err is worth another attempt.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	switch {
	case errors.Is(err, ErrAttemptsExhausted):
		return classification(CategoryTimeout)
	case errors.Is(err, ErrNotFoundInProvider):
		return classification(CategoryNotFound)
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		if containsAny(pe.Code+" "+pe.Message, quotaKeywords) && pe.StatusCode != http.StatusUnauthorized {
			return classification(CategoryProviderQuota)
		}
		return ClassifyHTTP(pe.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classification(CategoryNetwork)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classification(CategoryNetwork)
	}
	if containsAny(err.Error(), networkKeywords) {
		return classification(CategoryNetwork)
	}

	return classification(CategorySystem)
}
