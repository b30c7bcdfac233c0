package executor

import "fmt"

// RetryableError 瞬时失败：调度器按退避重排
type RetryableError struct {
	Reason string
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable 构造瞬时失败
func Retryable(reason string, err error) error {
	return &RetryableError{Reason: reason, Err: err}
}

// PermanentError 终局失败：平台明确拒绝（重复内容、违规等），不再重试
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return "permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 构造终局失败
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}
