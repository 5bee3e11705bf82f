package enforce

import (
	"errors"
	"fmt"
)

var (
	// ErrEnforcementTimeout marks a repository skipped after it exceeded
	// its time budget. It is retried on the next pass.
	ErrEnforcementTimeout = errors.New("enforce: repository pass timed out")

	// ErrTagDelete marks a failed tag deletion.
	ErrTagDelete = errors.New("enforce: tag delete failed")

	// ErrLeaseHeldByOther is returned when another replica is enforcing the namespace.
	ErrLeaseHeldByOther = errors.New("enforce: lease held by another worker")

	// ErrInvalidNamespace is returned for an empty namespace.
	ErrInvalidNamespace = errors.New("enforce: invalid namespace")
)

// TagDeleteError describes one failed deletion.
type TagDeleteError struct {
	Repository string
	Tag        string
	Err        error
}

func (e *TagDeleteError) Error() string {
	return fmt.Sprintf("enforce: delete %s:%s: %v", e.Repository, e.Tag, e.Err)
}

func (e *TagDeleteError) Unwrap() []error {
	return []error{ErrTagDelete, e.Err}
}
