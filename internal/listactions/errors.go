package listactions

import "errors"

var (
	// ErrListNotFound is returned when the target list does not exist.
	ErrListNotFound = errors.New("list not found")

	// ErrActionNotFound is returned when the action does not exist or belongs to another list.
	ErrActionNotFound = errors.New("action not found")

	// ErrForbidden is returned when the principal neither owns the list nor is an admin.
	ErrForbidden = errors.New("not authorized to access this list")

	// ErrListBusy is returned when another membership change holds the list lock.
	ErrListBusy = errors.New("list is being modified, retry shortly")

	// ErrInvalidRequest is returned for malformed filters or payloads.
	ErrInvalidRequest = errors.New("invalid request")
)
