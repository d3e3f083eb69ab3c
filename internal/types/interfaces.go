// internal/types/interfaces.go
package types

// CredentialStore holds transport tokens and other secrets. Implementations
// decide where and how the values live; callers treat them as opaque.
type CredentialStore interface {
	Get(id string) (string, error)
	Set(id, secret string) error
	Delete(id string) error
}
