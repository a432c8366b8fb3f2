package pipeline

import "fmt"

// FatalError is a configuration or data error that terminates the run.
// Index identifies the offending stack or slice where applicable; -1
// means the error is not tied to one.
type FatalError struct {
	Index int
	Msg   string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s (index %d)", e.Msg, e.Index)
	}
	return e.Msg
}

// fatalf builds a FatalError without an index.
func fatalf(format string, args ...interface{}) *FatalError {
	return &FatalError{Index: -1, Msg: fmt.Sprintf(format, args...)}
}

// fatalAt builds a FatalError tied to an index.
func fatalAt(index int, format string, args ...interface{}) *FatalError {
	return &FatalError{Index: index, Msg: fmt.Sprintf(format, args...)}
}
