// Package apperr defines the error taxonomy shared by the authenticator, the
// dispatch engine and the operator API.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the coarse class an error belongs to. It decides how the error
// is propagated and whether it is retried.
type Category string

const (
	CategoryValidation        Category = "validation"
	CategoryTransport         Category = "transport"
	CategoryPlatformRejection Category = "platform_rejection"
	CategoryInvalidState      Category = "invalid_state"
	CategoryStorage           Category = "storage"
	CategoryInternal          Category = "internal"
)

// Kind is the specific error reported to callers.
type Kind string

const (
	KindUnknown            Kind = "Unknown"
	KindValidation         Kind = "ValidationError"
	KindInvalidCredentials Kind = "InvalidCredentials"
	KindInvalidCodeFormat  Kind = "InvalidCodeFormat"
	KindSendCodeFailed     Kind = "SendCodeFailed"
	KindInvalidCode        Kind = "InvalidCode"
	KindCodeExpired        Kind = "CodeExpired"
	KindInvalidPassword    Kind = "InvalidPassword"
	KindInvalidState       Kind = "InvalidState"
	KindTransport          Kind = "TransportError"
	KindPlatformRejection  Kind = "PlatformRejection"
	KindSessionInvalid     Kind = "SessionInvalid"
	KindNotAuthenticated   Kind = "NotAuthenticated"
	KindAlreadyRunning     Kind = "AlreadyRunning"
	KindBlacklisted        Kind = "Blacklisted"
	KindNotFound           Kind = "NotFound"
	KindStorage            Kind = "StorageError"
)

var categories = map[Kind]Category{
	KindValidation:         CategoryValidation,
	KindInvalidCredentials: CategoryValidation,
	KindInvalidCodeFormat:  CategoryValidation,
	KindSendCodeFailed:     CategoryTransport,
	KindTransport:          CategoryTransport,
	KindInvalidCode:        CategoryPlatformRejection,
	KindCodeExpired:        CategoryPlatformRejection,
	KindInvalidPassword:    CategoryPlatformRejection,
	KindPlatformRejection:  CategoryPlatformRejection,
	KindSessionInvalid:     CategoryPlatformRejection,
	KindBlacklisted:        CategoryPlatformRejection,
	KindInvalidState:       CategoryInvalidState,
	KindNotAuthenticated:   CategoryInvalidState,
	KindAlreadyRunning:     CategoryInvalidState,
	KindNotFound:           CategoryStorage,
	KindStorage:            CategoryStorage,
}

// Category returns the taxonomy class of k.
func (k Kind) Category() Category {
	if c, ok := categories[k]; ok {
		return c
	}
	return CategoryInternal
}

// Error is the structured error returned across package boundaries.
type Error struct {
	kind    Kind
	message string
	details []string
	err     error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, err: cause}
}

// Validation creates a validation error listing every violated rule in order.
func Validation(kind Kind, details []string) *Error {
	d := append([]string(nil), details...)
	return &Error{kind: kind, message: "validation failed", details: d}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if len(e.details) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.details, "; "))
	}
	if e.err != nil {
		fmt.Fprintf(&b, ": %v", e.err)
	}
	return b.String()
}

func (e *Error) Kind() Kind         { return e.kind }
func (e *Error) Category() Category { return e.kind.Category() }
func (e *Error) Message() string    { return e.message }
func (e *Error) Unwrap() error      { return e.err }

// Details returns a copy of the ordered validation messages.
func (e *Error) Details() []string { return append([]string(nil), e.details...) }

// Is matches another *Error by kind so errors.Is(err, apperr.New(KindX, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.kind == e.kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// CategoryOf returns the category of err, or CategoryInternal.
func CategoryOf(err error) Category {
	return KindOf(err).Category()
}

// DetailsOf returns validation details carried by err, if any.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details()
	}
	return nil
}
