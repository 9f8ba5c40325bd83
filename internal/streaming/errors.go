package streaming

import (
	"errors"
	"fmt"

	"github.com/kiesman99/rasterstream/pkg/region"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrConfiguration = errors.New("invalid streaming configuration")
	ErrProduction    = errors.New("region production failed")
	ErrCommit        = errors.New("region commit failed")
	ErrAborted       = errors.New("streaming aborted")
)

// Kind classifies why a streaming run stopped.
type Kind int

const (
	KindConfiguration Kind = iota
	KindProduction
	KindCommit
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindProduction:
		return "production"
	case KindCommit:
		return "commit"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindProduction:
		return ErrProduction
	case KindCommit:
		return ErrCommit
	default:
		return ErrAborted
	}
}

// Error is the terminal outcome of a failed run. Split is -1 when the failure
// is not tied to a particular split.
type Error struct {
	Kind      Kind
	Split     int
	Region    region.Region
	Committed int
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Split >= 0 {
		msg = fmt.Sprintf("%s: split %d %v", msg, e.Split, e.Region)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func configError(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Split: -1, Err: fmt.Errorf(format, args...)}
}
