// Package rpcerr classifies chain RPC failures into the small taxonomy the
// scan loop acts on: transient failures are retried, size-limit failures are
// split, everything else fails fast.
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Class is the retry-relevant category of an error
type Class string

const (
	ClassTransient Class = "transient"
	ClassSizeLimit Class = "size_limit"
	ClassPermanent Class = "permanent"
)

// CodeLimitExceeded is the JSON-RPC code providers use for oversized log queries
const CodeLimitExceeded = -32005

// Decision is the outcome of classifying an error
type Decision struct {
	Class  Class
	Reason string
}

// IsTransient reports whether the failure is worth retrying
func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

// Error is an RPC failure annotated with its class
type Error struct {
	Op     string
	Class  Class
	Reason string
	// Code is the JSON-RPC error code or HTTP status, 0 when unknown
	Code int
	// Suggested is the provider's proposed upper bound for a narrower log
	// query, when the error payload carried one
	Suggested *uint64
	Err       error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable regardless of its content
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Reason: "explicit_transient", Err: err}
}

// Permanent marks err as not retryable regardless of its content
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Reason: "explicit_permanent", Err: err}
}

// Wrap classifies err and annotates it with the failing operation. Already
// classified errors keep their class.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return &Error{
			Op:        op,
			Class:     classified.Class,
			Reason:    classified.Reason,
			Code:      classified.Code,
			Suggested: classified.Suggested,
			Err:       err,
		}
	}

	d := Classify(err)
	e := &Error{Op: op, Class: d.Class, Reason: d.Reason, Code: codeOf(err), Err: err}
	if d.Class == ClassSizeLimit {
		e.Suggested = suggestedSplit(err)
	}
	return e
}

// Classify decides how err should be handled
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassPermanent, Reason: "nil_error"}
	}

	var classified *Error
	if errors.As(err, &classified) {
		return Decision{Class: classified.Class, Reason: classified.Reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassPermanent, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	lower := strings.ToLower(err.Error())

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPStatus(httpErr.StatusCode, lower)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return classifyJSONRPC(rpcErr.ErrorCode(), lower)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	if containsAny(lower, sizeLimitMessageTokens) {
		return Decision{Class: ClassSizeLimit, Reason: "message_size_limit"}
	}
	if containsAny(lower, permanentMessageTokens) {
		return Decision{Class: ClassPermanent, Reason: "message_permanent"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	// Unknown failures are retried; the attempt budget bounds them.
	return Decision{Class: ClassTransient, Reason: "unknown_transient_default"}
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return Classify(err).IsTransient()
}

// SizeLimit returns the provider's suggested split point and true when err
// signals that a log query returned too many results
func SizeLimit(err error) (*uint64, bool) {
	if Classify(err).Class != ClassSizeLimit {
		return nil, false
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Suggested != nil {
		return classified.Suggested, true
	}
	return suggestedSplit(err), true
}

func classifyHTTPStatus(status int, msg string) Decision {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return Decision{Class: ClassSizeLimit, Reason: "http_413"}
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return Decision{Class: ClassTransient, Reason: fmt.Sprintf("http_%d", status)}
	case status >= 500:
		if containsAny(msg, sizeLimitMessageTokens) {
			return Decision{Class: ClassSizeLimit, Reason: "http_message_size_limit"}
		}
		return Decision{Class: ClassTransient, Reason: fmt.Sprintf("http_%d", status)}
	default:
		if containsAny(msg, sizeLimitMessageTokens) {
			return Decision{Class: ClassSizeLimit, Reason: "http_message_size_limit"}
		}
		return Decision{Class: ClassPermanent, Reason: fmt.Sprintf("http_%d", status)}
	}
}

func classifyJSONRPC(code int, msg string) Decision {
	if containsAny(msg, sizeLimitMessageTokens) {
		return Decision{Class: ClassSizeLimit, Reason: "jsonrpc_message_size_limit"}
	}
	if code == CodeLimitExceeded {
		// Some providers reuse -32005 for request-rate limiting.
		if containsAny(msg, rateLimitMessageTokens) {
			return Decision{Class: ClassTransient, Reason: "jsonrpc_rate_limited"}
		}
		return Decision{Class: ClassSizeLimit, Reason: "jsonrpc_limit_exceeded"}
	}
	switch code {
	case -32700, -32600, -32601, -32602:
		return Decision{Class: ClassPermanent, Reason: "jsonrpc_request_invalid"}
	case -32603:
		return Decision{Class: ClassTransient, Reason: "jsonrpc_internal"}
	}
	if code <= -32000 && code >= -32099 {
		if containsAny(msg, permanentMessageTokens) {
			return Decision{Class: ClassPermanent, Reason: "jsonrpc_server_permanent"}
		}
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassPermanent, Reason: "jsonrpc_permanent"}
}

func codeOf(err error) int {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode()
	}
	return 0
}

var suggestedRangePattern = regexp.MustCompile(`\[\s*(0x[0-9a-fA-F]+)\s*,\s*(0x[0-9a-fA-F]+)\s*\]`)

// suggestedSplit extracts the upper bound of a provider-proposed range, either
// from structured error data ({"from": "0x..", "to": "0x.."}) or from a
// "[0x.., 0x..]" range embedded in the message.
func suggestedSplit(err error) *uint64 {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(map[string]interface{}); ok {
			if raw, ok := data["to"].(string); ok {
				if to, ok := parseHex(raw); ok {
					return &to
				}
			}
		}
	}

	if m := suggestedRangePattern.FindStringSubmatch(err.Error()); m != nil {
		if to, ok := parseHex(m[2]); ok {
			return &to
		}
	}
	return nil
}

func parseHex(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var sizeLimitMessageTokens = []string{
	"more than 10000 results",
	"query returned more than",
	"log response size exceeded",
	"response size exceeded",
	"response size should not greater than",
	"block range is too large",
	"block range too large",
	"block range is too wide",
	"exceed maximum block range",
	"exceeds max results",
	"too many results",
}

var rateLimitMessageTokens = []string{
	"rate limit",
	"request rate exceeded",
	"too many requests",
	"daily request count exceeded",
	"capacity exceeded",
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"server closed idle connection",
	"header not found",
}

var permanentMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"unsupported",
	"not supported",
}
