package logger

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strconv"
)

// SerializedError is a JSON-safe rendition of an error and its cause chain.
type SerializedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Stack   []string         `json:"stack,omitempty"`
	Cause   *SerializedError `json:"cause,omitempty"`
}

func (e *SerializedError) Error() string {
	return e.Message
}

// stacker is implemented by errors that carry the frames they were created at.
type stacker interface {
	Stack() []string
}

// SerializeError converts err and every error it wraps into nested
// SerializedErrors. For errors joining several causes, the first is followed.
// A chain that loops back on itself is cut at the repeated error.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}

	var head, tail *SerializedError
	var frames []string
	seen := make(map[any]struct{})
	for err != nil {
		if isComparable(err) {
			if _, dup := seen[err]; dup {
				break
			}
			seen[err] = struct{}{}
		}
		if s, ok := err.(*stackError); ok && s != nil {
			if frames == nil {
				frames = s.frames
			}
			err = s.err
			continue
		}

		node := &SerializedError{Name: fmt.Sprintf("%T", err), Stack: frames}
		frames = nil
		if head == nil {
			head = node
		} else {
			tail.Cause = node
		}
		tail = node

		// A typed nil has no message or chain to follow.
		if isNilPointer(err) {
			node.Message = "<nil>"
			break
		}
		node.Message = errorMessage(err)
		if s, ok := err.(stacker); ok && node.Stack == nil {
			node.Stack = stackOf(s)
		}
		err = unwrapOne(err)
	}
	return head
}

func errorMessage(err error) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("!PANIC: %v", r)
		}
	}()
	return err.Error()
}

func stackOf(s stacker) (frames []string) {
	defer func() {
		if recover() != nil {
			frames = nil
		}
	}()
	return s.Stack()
}

func unwrapOne(err error) (next error) {
	defer func() {
		if recover() != nil {
			next = nil
		}
	}()
	if n := errors.Unwrap(err); n != nil {
		return n
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range multi.Unwrap() {
			if e != nil {
				return e
			}
		}
	}
	return nil
}

// isComparable limits cycle tracking to pointer errors, the only kind that can
// form a loop and always safe as map keys.
func isComparable(err error) bool {
	t := reflect.TypeOf(err)
	return t != nil && t.Kind() == reflect.Pointer
}

type stackError struct {
	err    error
	frames []string
}

func (e *stackError) Error() string   { return e.err.Error() }
func (e *stackError) Unwrap() error   { return e.err }
func (e *stackError) Stack() []string { return e.frames }

// WithStack annotates err with the caller's stack so that serialized logs
// include it. The error's message and chain are unchanged.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var lines []string
	for {
		f, more := frames.Next()
		lines = append(lines, f.Function+" "+f.File+":"+strconv.Itoa(f.Line))
		if !more {
			break
		}
	}
	return &stackError{err: err, frames: lines}
}
