package app

import (
	"errors"
	"fmt"
)

// ErrRunInProgress means another task-runner pass already holds this
// tenant's advisory lock.
var ErrRunInProgress = errors.New("task run already in progress")

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
