package assembler

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedStream matches every error the assembler produces itself.
	ErrMalformedStream = errors.New("malformed stream")
	// ErrReused is returned when Assemble is called on an instance that has
	// already consumed a stream.
	ErrReused = errors.New("assembler already consumed a stream")
)

type DuplicateBlockOpenError struct {
	Index int
}

func (e *DuplicateBlockOpenError) Error() string {
	return fmt.Sprintf("content block %d opened twice", e.Index)
}

func (e *DuplicateBlockOpenError) Is(target error) bool { return target == ErrMalformedStream }
func (e *DuplicateBlockOpenError) Kind() string         { return "duplicate_block_open" }

// UnknownBlockIndexError reports a delta or stop for an index that is not
// currently open. Closed is set when the index was open earlier.
type UnknownBlockIndexError struct {
	Index  int
	Closed bool
}

func (e *UnknownBlockIndexError) Error() string {
	if e.Closed {
		return fmt.Sprintf("content block %d already closed", e.Index)
	}
	return fmt.Sprintf("content block %d was never opened", e.Index)
}

func (e *UnknownBlockIndexError) Is(target error) bool { return target == ErrMalformedStream }
func (e *UnknownBlockIndexError) Kind() string         { return "unknown_block_index" }

type DeltaKindMismatchError struct {
	Index    int
	Expected string // delta type the block accepts, empty when it accepts none
	Actual   string
}

func (e *DeltaKindMismatchError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("content block %d accepts no %s", e.Index, e.Actual)
	}
	return fmt.Sprintf("content block %d expects %s, got %s", e.Index, e.Expected, e.Actual)
}

func (e *DeltaKindMismatchError) Is(target error) bool { return target == ErrMalformedStream }
func (e *DeltaKindMismatchError) Kind() string         { return "delta_kind_mismatch" }

// IncompleteToolInputError reports a tool block whose accumulated fragments do
// not form one complete JSON document at stop.
type IncompleteToolInputError struct {
	Index   int
	Partial string
	Err     error
}

func (e *IncompleteToolInputError) Error() string {
	return fmt.Sprintf("content block %d: incomplete tool input %q: %v", e.Index, e.Partial, e.Err)
}

func (e *IncompleteToolInputError) Unwrap() error        { return e.Err }
func (e *IncompleteToolInputError) Is(target error) bool { return target == ErrMalformedStream }
func (e *IncompleteToolInputError) Kind() string         { return "incomplete_tool_input" }

type UnclosedBlockError struct {
	Index int
}

func (e *UnclosedBlockError) Error() string {
	return fmt.Sprintf("content block %d still open at end of message", e.Index)
}

func (e *UnclosedBlockError) Is(target error) bool { return target == ErrMalformedStream }
func (e *UnclosedBlockError) Kind() string         { return "unclosed_block" }

type UnexpectedEventError struct {
	State State
	Event string
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("unexpected %s in state %s", e.Event, e.State)
}

func (e *UnexpectedEventError) Is(target error) bool { return target == ErrMalformedStream }
func (e *UnexpectedEventError) Kind() string         { return "unexpected_event" }

// UpstreamError is an error frame relayed by the upstream mid-stream.
type UpstreamError struct {
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %s", e.Type, e.Message)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrMalformedStream }
func (e *UpstreamError) Kind() string         { return "upstream_error" }

// ErrorKind returns a stable label for err, suitable for metrics. Errors that
// did not come from the decoder or the assembler are reported as "transport".
func ErrorKind(err error) string {
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "transport"
}
