package notes

import "github.com/google/uuid"

// IDProviderFunc adapts a function into an IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls the wrapped function.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 note identifiers.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
}
