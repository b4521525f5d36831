package relay

import (
	"errors"
	"fmt"
	"time"
)

// Stable error code strings. Step machinery and the HTTP surface read these
// explicitly; the string values are part of the persisted envelope contract
// and must not change.
const (
	// Tool resolution.
	CodeToolNotFound = "ToolNotFound"

	// Input validation.
	CodeInvalidInput     = "InvalidInput"
	CodePatchMismatch    = "PatchMismatch"
	CodeUnsupportedSkill = "UNSUPPORTED_SKILL"

	// Network / IO.
	CodeTimeout          = "Timeout"
	CodeNetworkError     = "NetworkError"
	CodeBadGateway       = "BadGateway"
	CodeAuthError        = "AuthError"
	CodeWebBlocked       = "WebBlocked"
	CodeWebParseError    = "WebParseError"
	CodeSSRFBlocked      = "ssrf_blocked"
	CodeWebProviderError = "WebProviderError"

	// Sandbox.
	CodePolicyDenied    = "POLICY_DENIED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeRuntimeError    = "RUNTIME_ERROR"
	CodeSandboxTimeout  = "TIMEOUT"

	// MCP.
	CodeSpawnFailed     = "SpawnFailed"
	CodeConnectionError = "ConnectionError"
	CodeProviderClosed  = "ProviderClosed"
)

// Detail codes carried alongside CodeWebBlocked.
const (
	DetailCaptchaRequired = "captcha_required"
	DetailHTTP403         = "http_403"
	DetailHTTP429         = "http_429"
)

// Error is a coded task error. The Code feeds step error_code and the
// envelope's top-level error; DetailCode refines blocked/parse failures.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	DetailCode string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a coded error.
func E(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds a coded error with a formatted message.
func Ef(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the stable code for err: the Code of a coded *Error, or the
// dynamic type name as a catch-all for everything else.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return fmt.Sprintf("%T", err)
}

// DetailOf returns the detail code of a coded error, or "".
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.DetailCode
	}
	return ""
}

// RetryableOf reports whether err is marked retryable.
func RetryableOf(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Worker control-flow sentinels. Neither is a task failure: a lost lease
// means another worker now owns the run (write nothing), a canceled run is
// completed canceled.
var (
	ErrLeaseLost   = errors.New("run lease lost")
	ErrRunCanceled = errors.New("run canceled")
)

// RunStore sentinels.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrNotCancelable = errors.New("run is not queued or running")
	ErrNotTerminal   = errors.New("run is not terminal")
)

// ErrHTTP is a transport-level HTTP error from an LLM or web endpoint.
// Status feeds retry classification; RetryAfter is parsed from the
// Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrLLM is an LLM provider failure that is not a plain HTTP status error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
