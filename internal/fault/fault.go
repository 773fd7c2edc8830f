// Package fault defines the error taxonomy shared by the pipeline, the
// provider adapters, and the HTTP layer.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindConfiguration    Kind = "configuration_error"
	KindPermissionDenied Kind = "permission_denied"
	KindRateLimited      Kind = "rate_limited"
	KindQuotaExceeded    Kind = "quota_exceeded"
	KindTransport        Kind = "transport_error"
	KindProvider         Kind = "provider_error"
	KindValidationParse  Kind = "validation_parse_error"
	KindPipelineState    Kind = "pipeline_state_error"
	KindInvalidInput     Kind = "invalid_input"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal_error"
)

// MaxBodyLen bounds how much of an upstream response body is kept on an error.
const MaxBodyLen = 512

// Error is a classified failure. Two errors match under errors.Is when their
// kinds are equal, so the package-level sentinels can be used as targets.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

var (
	Configuration    = &Error{Kind: KindConfiguration}
	PermissionDenied = &Error{Kind: KindPermissionDenied}
	RateLimited      = &Error{Kind: KindRateLimited}
	QuotaExceeded    = &Error{Kind: KindQuotaExceeded}
	Transport        = &Error{Kind: KindTransport}
	Provider         = &Error{Kind: KindProvider}
	ValidationParse  = &Error{Kind: KindValidationParse}
	PipelineState    = &Error{Kind: KindPipelineState}
	InvalidInput     = &Error{Kind: KindInvalidInput}
	NotFound         = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " (%s)", e.Provider)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Kinded is implemented by typed errors outside this package that belong to
// the taxonomy.
type Kinded interface {
	FaultKind() Kind
}

// KindOf reports the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.FaultKind()
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint carried by a rate-limited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindRateLimited && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}

// Truncate shortens s to MaxBodyLen bytes on a rune boundary.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxBodyLen {
		return s
	}
	cut := MaxBodyLen
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
