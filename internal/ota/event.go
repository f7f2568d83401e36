package ota

import "errors"

type EventKind int

const (
	EventBegin EventKind = iota + 1
	EventProgress
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventProgress:
		return "progress"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one step reported by the update transport.
type Event struct {
	Kind EventKind

	// EventProgress
	Done  uint64
	Total uint64

	// EventError
	Category ErrorCategory
	Err      error
}

func Begin() Event { return Event{Kind: EventBegin} }
func Progress(done, total uint64) Event { return Event{Kind: EventProgress, Done: done, Total: total} }
func End() Event { return Event{Kind: EventEnd} }
func Error(cat ErrorCategory, err error) Event { return Event{Kind: EventError, Category: cat, Err: err} }

// ErrorCategory classifies transfer failures. None are retried.
type ErrorCategory int

const (
	AuthRejected ErrorCategory = iota + 1
	TransferBeginFailed
	TransferInterrupted
	ApplyFailed
)

func (c ErrorCategory) String() string {
	switch c {
	case AuthRejected:
		return "auth rejected"
	case TransferBeginFailed:
		return "begin failed"
	case TransferInterrupted:
		return "transfer interrupted"
	case ApplyFailed:
		return "apply failed"
	default:
		return "none"
	}
}

var (
	ErrAuthRejected        = errors.New("update auth rejected")
	ErrTransferBeginFailed = errors.New("update begin failed")
	ErrTransferInterrupted = errors.New("update transfer interrupted")
	ErrApplyFailed         = errors.New("update apply failed")
)

// Err returns the sentinel error for the category.
func (c ErrorCategory) Err() error {
	switch c {
	case AuthRejected:
		return ErrAuthRejected
	case TransferBeginFailed:
		return ErrTransferBeginFailed
	case TransferInterrupted:
		return ErrTransferInterrupted
	case ApplyFailed:
		return ErrApplyFailed
	default:
		return nil
	}
}
