package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a conditional write lost against a concurrent change.
var ErrConflict = errors.New("repository: conflict")
