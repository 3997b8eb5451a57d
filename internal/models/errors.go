package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrCachePathRequired indicates a datasource's cache_path is empty.
	ErrCachePathRequired = errors.New("cache_path is required")

	// ErrLogPathRequired indicates a datasource's log_path is empty.
	ErrLogPathRequired = errors.New("log_path is required")

	// ErrGameAppIDRequired indicates a required game app id is zero.
	ErrGameAppIDRequired = errors.New("game_app_id is required")

	// ErrDepotIDRequired indicates a required depot id is zero.
	ErrDepotIDRequired = errors.New("depot_id is required")

	// ErrServiceNameRequired indicates a required service name is empty.
	ErrServiceNameRequired = errors.New("service_name is required")

	// ErrSessionIDRequired indicates a required session id is empty.
	ErrSessionIDRequired = errors.New("session_id is required")

	// ErrUsernameRequired indicates a required username is empty.
	ErrUsernameRequired = errors.New("username is required")

	// ErrInvalidOperationType indicates an Operation.Type outside the tagged set.
	ErrInvalidOperationType = errors.New("invalid operation type")

	// ErrInvalidOperationStatus indicates an Operation.Status outside the tagged set.
	ErrInvalidOperationStatus = errors.New("invalid operation status")
)
