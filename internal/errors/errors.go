package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。Rechallenge 表示该错误应当以 402
// 质询的形式返回给调用方，而不是硬失败。
type Attributes struct {
	Message     string
	Severity    Severity
	Retryable   bool
	Alert       bool
	Rechallenge bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Severity: SeverityInfo,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeMalformedProof: {
			Message:     "payment proof missing or undecodable",
			Severity:    SeverityInfo,
			Rechallenge: true,
		},
		CodeProtocolMismatch: {
			Message:     "unsupported protocol version, scheme or network",
			Severity:    SeverityInfo,
			Rechallenge: true,
		},
		CodePaymentRejected: {
			Message:     "payment verification failed",
			Severity:    SeverityInfo,
			Rechallenge: true,
		},
		CodeReplayDetected: {
			Message:     "payment transaction already consumed",
			Severity:    SeverityWarning,
			Rechallenge: true,
			Alert:       true,
		},
		CodeChainUnavailable: {
			Message:   "chain endpoint unavailable",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeTxReverted: {
			Message:  "transaction reverted on-chain",
			Severity: SeverityWarning,
			Alert:    true,
		},
		CodeTimeout: {
			Message:   "confirmation not observed within bound, outcome unknown",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeSettleFailed: {
			Message:  "settlement failed after proof accepted",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeSettlePartial: {
			Message:  "main settlement leg confirmed but fee leg failed",
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
	}
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeMalformedProof        Code = "MALFORMED_PROOF"
	CodeProtocolMismatch      Code = "PROTOCOL_MISMATCH"
	CodePaymentRejected       Code = "PAYMENT_REJECTED"
	CodeReplayDetected        Code = "REPLAY_DETECTED"
	CodeChainUnavailable      Code = "CHAIN_UNAVAILABLE"
	CodeTxReverted            Code = "TX_REVERTED"
	CodeTimeout               Code = "TIMEOUT"
	CodeSettleFailed          Code = "SETTLE_FAILED"
	CodeSettlePartial         Code = "SETTLE_PARTIAL"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// Rechallenge 判断该错误是否应转化为新一轮 402 质询。
func (e *Error) Rechallenge() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Rechallenge
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// ShouldRechallenge 判断任意 error 是否应当以 402 质询回应。
func ShouldRechallenge(err error) bool {
	if e, ok := From(err); ok {
		return e.Rechallenge()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
