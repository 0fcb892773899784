// Package coverr defines the result-code taxonomy shared by the deformatter,
// packet decoder, and process engine, and the Error type that wraps one of
// those codes into a Go error.
package coverr

import (
	"fmt"
	"strings"
)

// Code is a result code returned by the core decoding pipeline.
type Code uint32

const (
	// Success indicates no error.
	Success Code = iota
	// ErrorGeneric is a generic caller-argument or invariant violation.
	ErrorGeneric
	// ErrorOverflowPacket indicates the hardware trace buffer lost data;
	// the session is unrecoverable and requires a reset.
	ErrorOverflowPacket
	// ErrorTraceDataIncomplete indicates finish was reached with an
	// unresolved indirect branch still pending its target address.
	ErrorTraceDataIncomplete
	// ErrorPageFault indicates a traced address fell outside every
	// configured memory map.
	ErrorPageFault
)

type codeDesc struct {
	name string
	msg  string
}

var codeDescs = map[Code]codeDesc{
	Success:                  {"SUCCESS", "No error."},
	ErrorGeneric:             {"ERROR", "General failure."},
	ErrorOverflowPacket:      {"ERROR_OVERFLOW_PACKET", "Trace buffer overflow; session state can no longer be trusted."},
	ErrorTraceDataIncomplete: {"ERROR_TRACE_DATA_INCOMPLETE", "Session ended with a pending indirect-branch target unresolved."},
	ErrorPageFault:           {"ERROR_PAGE_FAULT", "Address is not covered by any memory map."},
}

func (c Code) String() string {
	if d, ok := codeDescs[c]; ok {
		return d.name
	}
	return "UNKNOWN"
}

// Severity classifies how serious an Error is, independent of its Code.
type Severity uint32

const (
	SevNone Severity = iota
	SevInfo
	SevWarn
	SevError
)

// Error is the error type returned across the decoder's public API.
// It mirrors the teacher's error-object shape (code, severity, optional
// trace index, optional message) so callers can branch on Code without
// string matching.
type Error struct {
	Code    Code
	Sev     Severity
	Index   int64 // byte offset into the input stream, or -1 if not applicable
	Message string
}

// New builds an Error at SevError with no index or message.
func New(code Code) *Error {
	return &Error{Code: code, Sev: SevError, Index: -1}
}

// Newf builds an Error at SevError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Sev: SevError, Index: -1, Message: fmt.Sprintf(format, args...)}
}

// NewAtIndex builds an Error tagged with the byte index that triggered it.
func NewAtIndex(code Code, sev Severity, index int64, msg string) *Error {
	return &Error{Code: code, Sev: sev, Index: index, Message: msg}
}

func (e *Error) Error() string {
	var sb strings.Builder

	switch e.Sev {
	case SevError:
		sb.WriteString("ERROR: ")
	case SevWarn:
		sb.WriteString("WARN: ")
	case SevInfo:
		sb.WriteString("INFO: ")
	default:
		return "invalid error object"
	}

	if d, ok := codeDescs[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("%s (%s)", d.name, d.msg))
	} else {
		sb.WriteString("UNKNOWN")
	}

	if e.Index >= 0 {
		sb.WriteString(fmt.Sprintf("; offset=%d", e.Index))
	}

	if e.Message != "" {
		sb.WriteString("; ")
		sb.WriteString(e.Message)
	}

	return sb.String()
}

// Is allows errors.Is(err, coverr.New(code)) style matching on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
