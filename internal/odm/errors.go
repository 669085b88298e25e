package odm

import (
	"errors"
	"fmt"
)

// Markers for the failures a run can end with. Every one of them is fatal for
// the command that hit it; callers match them with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrProjectCreation   = errors.New("unable to create project")
	ErrTaskCreation      = errors.New("unable to create task")
	ErrInsufficientInput = errors.New("insufficient input")
	ErrInputNotFound     = errors.New("input not found")
	ErrRemoteTaskFailure = errors.New("task failed")
	ErrInterrupted       = errors.New("interrupted")
	ErrNodeExists        = errors.New("processing node already exists")
	ErrDefaultNode       = errors.New("not allowed to delete default processing node")
)

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Mark tags err with marker so errors.Is matches both.
func Mark(marker error, detail string, err error) error {
	switch {
	case err != nil && detail != "":
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	case err != nil:
		return fmt.Errorf("%w: %w", marker, err)
	case detail != "":
		return fmt.Errorf("%w: %s", marker, detail)
	default:
		return marker
	}
}
