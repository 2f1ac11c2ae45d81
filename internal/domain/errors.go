package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Coordination-core sentinels.
var (
	// ErrNoCapableAgent prefixes the error message of a task no agent could
	// take; it is never returned from submission.
	ErrNoCapableAgent = fmt.Errorf("no capable agent available")
	// ErrTransport marks a message bus publish/subscribe failure.
	ErrTransport = fmt.Errorf("message transport failure")
	// ErrDurableStore marks a failure of the durable relational store.
	ErrDurableStore = fmt.Errorf("durable store failure")
	// ErrCache marks a failure of the fast cache layer.
	ErrCache = fmt.Errorf("cache failure")
	// ErrConfigLoad marks an unreadable or invalid configuration.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	// ErrDecryption marks a config secret that could not be decrypted.
	ErrDecryption = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.SubmitTask")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "task", "agent"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve a category sentinel to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Transport wraps a transport failure so that errors.Is(err, ErrTransport)
// holds while the cause stays inspectable.
func Transport(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, cause)
}

// DurableStore wraps a durable store failure like Transport does.
func DurableStore(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDurableStore, cause)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeNoCapableAgent ErrorCode = "NO_CAPABLE_AGENT"
	CodeTransport      ErrorCode = "TRANSPORT"
	CodeDurableStore   ErrorCode = "DURABLE_STORE"
	CodeCache          ErrorCode = "CACHE"
	CodeConfigLoad     ErrorCode = "CONFIG_LOAD"
	CodeDecryption     ErrorCode = "DECRYPTION"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	CodeTaskNotFound   ErrorCode = "TASK_NOT_FOUND"
	CodeEntityNotFound ErrorCode = "ENTITY_NOT_FOUND"
	CodeTaskTimeout    ErrorCode = "TASK_TIMEOUT"
	CodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	CodeInvalidAgent   ErrorCode = "INVALID_AGENT"

	// Category codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,

	ErrNoCapableAgent: CodeNoCapableAgent,
	ErrTransport:      CodeTransport,
	ErrDurableStore:   CodeDurableStore,
	ErrCache:          CodeCache,
	ErrConfigLoad:     CodeConfigLoad,
	ErrDecryption:     CodeDecryption,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":   CodeAgentNotFound,
		"task":    CodeTaskNotFound,
		"context": CodeEntityNotFound,
	},
	ErrTimeout: {
		"task": CodeTaskTimeout,
	},
	ErrInvalidInput: {
		"task":  CodeInvalidPayload,
		"agent": CodeInvalidAgent,
	},
}

// ErrorCodeOf returns the machine-parseable error code for err.
// DomainErrors with a SubSystem are resolved through subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Core sentinels take precedence over categories when both are wrapped.
	for _, sentinel := range []error{ErrTransport, ErrDurableStore, ErrCache, ErrNoCapableAgent, ErrConfigLoad, ErrDecryption} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for _, sentinel := range []error{ErrNotFound, ErrTimeout, ErrInvalidInput} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
