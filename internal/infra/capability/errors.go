package capability

import "fmt"

type ErrorKind string

const (
	ErrorFileIO   ErrorKind = "file_io"
	ErrorParse    ErrorKind = "parse"
	ErrorNotFound ErrorKind = "not_found"
)

// Error describes a capability file failure.
type Error struct {
	Kind ErrorKind
	Path string
	Tool string
	Err  error
}

func (e *Error) Error() string {
	subject := e.Path
	if e.Tool != "" {
		subject = fmt.Sprintf("%s (tool %q)", e.Path, e.Tool)
	}
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Kind, subject, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Kind, subject)
}

func (e *Error) Unwrap() error {
	return e.Err
}
