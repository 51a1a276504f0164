package application

import "fmt"

// NotFoundError maps to a 404 at the interface layer.
type NotFoundError struct {
	resource string
	id       string
}

func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{resource, id}
}

func notFound(resource, id string) NotFoundError {
	return NewNotFoundError(resource, id)
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.resource, e.id)
}

// InvalidInputError maps to a 400 at the interface layer.
type InvalidInputError struct {
	err error
}

func NewInvalidInputError(err error) InvalidInputError {
	return InvalidInputError{err}
}

func invalidInput(err error) InvalidInputError {
	return NewInvalidInputError(err)
}

func (e InvalidInputError) Error() string {
	return e.err.Error()
}

func (e InvalidInputError) Unwrap() error {
	return e.err
}
