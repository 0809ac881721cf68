package scpi

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a SCPI error/event number as reported by the error queue.
type Code int

const (
	CodeNoError               Code = 0
	CodeCommandError          Code = -100
	CodeSyntaxError           Code = -102
	CodeDataTypeError         Code = -104
	CodeParameterNotAllowed   Code = -108
	CodeMissingParameter      Code = -109
	CodeUndefinedHeader       Code = -113
	CodeInvalidSuffix         Code = -131
	CodeExecutionError        Code = -200
	CodeSettingsConflict      Code = -221
	CodeDataOutOfRange        Code = -222
	CodeIllegalParameterValue Code = -224
	CodeQueueOverflow         Code = -350
	CodeInputBufferOverrun    Code = -363
)

var codeMessages = map[Code]string{
	CodeNoError:               "No error",
	CodeCommandError:          "Command error",
	CodeSyntaxError:           "Syntax error",
	CodeDataTypeError:         "Data type error",
	CodeParameterNotAllowed:   "Parameter not allowed",
	CodeMissingParameter:      "Missing parameter",
	CodeUndefinedHeader:       "Undefined header",
	CodeInvalidSuffix:         "Invalid suffix",
	CodeExecutionError:        "Execution error",
	CodeSettingsConflict:      "Settings conflict",
	CodeDataOutOfRange:        "Data out of range",
	CodeIllegalParameterValue: "Illegal parameter value",
	CodeQueueOverflow:         "Queue overflow",
	CodeInputBufferOverrun:    "Input buffer overrun",
}

func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	if c <= -100 && c > -200 {
		return codeMessages[CodeCommandError]
	}
	return codeMessages[CodeExecutionError]
}

// IsCommandError reports whether c belongs to the -1xx command error class.
func (c Code) IsCommandError() bool {
	return c <= -100 && c > -200
}

// Coded is implemented by errors that carry a SCPI error number.
type Coded interface {
	SCPICode() Code
}

// ParseError reports a malformed program message unit.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func (e *ParseError) SCPICode() Code { return CodeSyntaxError }

// UnknownCommandError reports a header with no resolvable handler.
type UnknownCommandError struct {
	Header string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("undefined header %s", e.Header)
}

func (e *UnknownCommandError) SCPICode() Code { return CodeUndefinedHeader }

// ValidationError reports a parameter that failed type, bounds or readonly checks.
type ValidationError struct {
	Code   Code
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Value)
}

func (e *ValidationError) SCPICode() Code {
	if e.Code == CodeNoError {
		return CodeExecutionError
	}
	return e.Code
}

func NewValidationError(code Code, value, reason string) *ValidationError {
	return &ValidationError{Code: code, Value: value, Reason: reason}
}

// CodeOf extracts the SCPI error number of err, defaulting to an execution error.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNoError
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.SCPICode()
	}
	return CodeExecutionError
}

// ErrorText renders err as the in-band error indicator `<code>,"<message>: <detail>"`.
func ErrorText(err error) string {
	code := CodeOf(err)
	if err == nil {
		return FormatError(code, "")
	}
	return FormatError(code, err.Error())
}

// The reply separator never appears inside an error text, so a line of
// several replies always splits cleanly.
var errorTextReplacer = strings.NewReplacer(`"`, `'`, ReplySeparator, ",")

func FormatError(code Code, detail string) string {
	msg := code.Message()
	if detail != "" {
		msg += ": " + detail
	}
	return fmt.Sprintf("%d,\"%s\"", int(code), errorTextReplacer.Replace(msg))
}

// LooksLikeError reports whether a reply line is an error indicator such as
// -113,"Undefined header".
func LooksLikeError(reply string) bool {
	code, rest, ok := strings.Cut(strings.TrimSpace(reply), ",")
	if !ok || !strings.HasPrefix(rest, `"`) || len(code) < 2 || code[0] != '-' {
		return false
	}
	for _, r := range code[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
