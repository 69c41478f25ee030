package blobstore

import (
	"fmt"

	"github.com/google/uuid"
)

// LocatorProvider issues collision-resistant blob locators.
type LocatorProvider interface {
	NewLocator(extension string) (string, error)
}

type uuidLocatorProvider struct{}

// NewUUIDLocatorProvider constructs a LocatorProvider that issues UUIDv7 locators.
func NewUUIDLocatorProvider() LocatorProvider {
	return &uuidLocatorProvider{}
}

func (p *uuidLocatorProvider) NewLocator(extension string) (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", value.String(), extension), nil
}
