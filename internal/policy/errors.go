package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPolicyConfig reports a malformed method/value pair.
	ErrInvalidPolicyConfig = errors.New("policy: invalid policy config")

	// ErrPolicyAlreadyExists reports that the namespace already has a
	// policy with the requested method.
	ErrPolicyAlreadyExists = errors.New("policy: policy already exists")

	// ErrPolicyDoesNotExist reports an unknown policy id.
	ErrPolicyDoesNotExist = errors.New("policy: policy does not exist")

	// ErrInvalidNamespace reports a namespace the registry does not know.
	ErrInvalidNamespace = errors.New("policy: invalid namespace")
)

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicyConfig, fmt.Sprintf(format, args...))
}
