package profile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProfileNotFound is matched by every NotFoundError.
var ErrProfileNotFound = errors.New("profile not found")

// NotFoundError reports a reference with no matching definition.
type NotFoundError struct {
	Ref      string
	Detail   string
	Searched []string
}

func (e *NotFoundError) Error() string {
	msg := "profile not found: " + e.Ref
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if len(e.Searched) > 0 {
		msg += " (searched " + strings.Join(e.Searched, ", ") + ")"
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrProfileNotFound }

// EnvVarMissingError reports a ${NAME} reference to an unset variable.
type EnvVarMissingError struct {
	Name    string
	Profile string
}

func (e *EnvVarMissingError) Error() string {
	return fmt.Sprintf("profile %s: environment variable %s is not set", e.Profile, e.Name)
}
