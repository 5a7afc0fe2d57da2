// Package errors provides structured errors for errorhub components.
// Each error carries the failing domain, a stable code and a severity so that
// callers can classify failures (validation, persistence, transport,
// federation, subscriber) without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorDomain identifies the component that produced an error
type ErrorDomain string

const (
	DomainSubmission ErrorDomain = "submission"
	DomainInbox      ErrorDomain = "inbox"
	DomainBacklog    ErrorDomain = "backlog"
	DomainMembership ErrorDomain = "membership"
	DomainQuery      ErrorDomain = "query"
	DomainTransport  ErrorDomain = "transport"
	DomainFederation ErrorDomain = "federation"
	DomainConfig     ErrorDomain = "config"
)

// ErrorSeverity indicates the severity level of the error
type ErrorSeverity string

const (
	SeverityDebug   ErrorSeverity = "debug"
	SeverityInfo    ErrorSeverity = "info"
	SeverityWarning ErrorSeverity = "warning"
	SeverityError   ErrorSeverity = "error"
	SeverityFatal   ErrorSeverity = "fatal"
)

// SourceLocation identifies where the error originated in code
type SourceLocation struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
}

// String returns a formatted source location
func (s *SourceLocation) String() string {
	if s == nil || s.File == "" || s.Line <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// HubError provides structured error information with debugging context
type HubError struct {
	Domain    ErrorDomain            `json:"domain"`
	Code      ErrorCode              `json:"code"`
	Severity  ErrorSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Operation string                 `json:"operation,omitempty"`
	Source    *SourceLocation        `json:"source,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Error implements the error interface
func (e *HubError) Error() string {
	var sb strings.Builder

	// Format: [DOMAIN:CODE] (op) message
	sb.WriteString(fmt.Sprintf("[%s:%s]", e.Domain, e.Code))
	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Operation))
	}
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Cause))
	}
	if hint, ok := e.Context["hint"]; ok {
		sb.WriteString(fmt.Sprintf(" (hint: %v)", hint))
	}

	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As
func (e *HubError) Unwrap() error {
	return e.Cause
}

// Is matches another HubError by code, so sentinels work with errors.Is
func (e *HubError) Is(target error) bool {
	t, ok := target.(*HubError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *HubError) WithCause(cause error) *HubError {
	e.Cause = cause
	return e
}

// WithContext adds contextual information for debugging
func (e *HubError) WithContext(key string, value interface{}) *HubError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation sets the operation that was being performed
func (e *HubError) WithOperation(op string) *HubError {
	e.Operation = op
	return e
}

// WithSeverity sets the error severity level
func (e *HubError) WithSeverity(sev ErrorSeverity) *HubError {
	e.Severity = sev
	return e
}

// WithSource captures the source location of the caller
func (e *HubError) WithSource(skip int) *HubError {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return e
	}
	var fn string
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	e.Source = &SourceLocation{File: file, Line: line, Function: fn}
	return e
}

// New creates a structured error with the caller's source location
func New(domain ErrorDomain, code ErrorCode, message string) *HubError {
	e := &HubError{
		Domain:    domain,
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Timestamp: time.Now(),
	}
	e.WithSource(1)
	return e
}

// NewWithOp creates an error with operation context
func NewWithOp(domain ErrorDomain, code ErrorCode, operation, message string) *HubError {
	return New(domain, code, message).WithOperation(operation)
}

// CodeOf returns the code of the first HubError in err's chain
func CodeOf(err error) (ErrorCode, bool) {
	var he *HubError
	if stderrors.As(err, &he) {
		return he.Code, true
	}
	return "", false
}

// DomainOf returns the domain of the first HubError in err's chain
func DomainOf(err error) (ErrorDomain, bool) {
	var he *HubError
	if stderrors.As(err, &he) {
		return he.Domain, true
	}
	return "", false
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target
func As(err error, target any) bool { return stderrors.As(err, target) }
