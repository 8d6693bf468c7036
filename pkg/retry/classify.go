package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Class is the retry classification of an error.
type Class int

const (
	Fatal Class = iota
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// statusCoder is satisfied by AWS smithy response errors and by provider errors in this module.
type statusCoder interface {
	HTTPStatusCode() int
}

// errorCoder is satisfied by smithy.APIError.
type errorCoder interface {
	ErrorCode() string
}

var retryableCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalFailure":                        true,
	"InternalServerError":                    true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
}

var retryablePhrases = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"unavailable",
	"try again",
	"rate limit",
	"too many requests",
	"throttl",
	"connection reset",
	"connection refused",
	"econnreset",
	"overloaded",
}

var fatalPhrases = []string{
	"validation",
	"invalid",
	"malformed",
	"unauthorized",
	"forbidden",
	"access denied",
	"not found",
	"does not exist",
}

// Classify is the default classifier. Unknown errors are fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if IsPermanent(err) {
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.HTTPStatusCode()); ok {
			return c
		}
	}

	var ec errorCoder
	if errors.As(err, &ec) && retryableCodes[ec.ErrorCode()] {
		return Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPhrases {
		if strings.Contains(msg, p) {
			return Fatal
		}
	}
	for _, p := range retryablePhrases {
		if strings.Contains(msg, p) {
			return Retryable
		}
	}
	return Fatal
}

func classifyStatus(code int) (Class, bool) {
	switch {
	case code == 0:
		return Fatal, false
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Retryable, true
	case code >= 500:
		return Retryable, true
	case code >= 400:
		return Fatal, true
	}
	return Fatal, false
}
