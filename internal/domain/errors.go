package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidState  = fmt.Errorf("invalid state")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrSpawnFailed     = fmt.Errorf("agent spawn failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrMemoryStore     = fmt.Errorf("memory store operation failed")
	ErrMemorySearch    = fmt.Errorf("memory search failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.Spawn")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent"); used for ErrorCode dispatch
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
// ErrorCodeOf can map the sentinel + subsystem pair to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and for
// MCP clients that want to branch on failure kinds.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeLimitReached    ErrorCode = "LIMIT_REACHED"
	CodeInvalidState    ErrorCode = "INVALID_STATE"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeProviderError   ErrorCode = "PROVIDER_ERROR"
	CodeSpawnFailed     ErrorCode = "SPAWN_FAILED"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeEmbeddingFailed ErrorCode = "EMBEDDING_FAILED"
	CodeMemoryStore     ErrorCode = "MEMORY_STORE"
	CodeMemorySearch    ErrorCode = "MEMORY_SEARCH"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentLimit       ErrorCode = "AGENT_LIMIT_REACHED"
	CodeAgentNotRunning  ErrorCode = "AGENT_NOT_RUNNING"
	CodeWaitTimeout      ErrorCode = "WAIT_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:        CodeNotFound,
	ErrLimitReached:    CodeLimitReached,
	ErrInvalidState:    CodeInvalidState,
	ErrInvalidInput:    CodeInvalidInput,
	ErrTimeout:         CodeTimeout,
	ErrProviderError:   CodeProviderError,
	ErrSpawnFailed:     CodeSpawnFailed,
	ErrConfigLoad:      CodeConfigLoad,
	ErrEmbeddingFailed: CodeEmbeddingFailed,
	ErrMemoryStore:     CodeMemoryStore,
	ErrMemorySearch:    CodeMemorySearch,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
	},
	ErrLimitReached: {
		"agent": CodeAgentLimit,
	},
	ErrInvalidState: {
		"agent": CodeAgentNotRunning,
	},
	ErrTimeout: {
		"agent": CodeWaitTimeout,
	},
	ErrProviderError: {
		"embedding": CodeEmbeddingFailed,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
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
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, the subsystem-specific mapping takes precedence.
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
