package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindCategory(t *testing.T) {
	t.Parallel()

	cases := map[Kind]Category{
		KindInvalidCredentials: CategoryValidation,
		KindInvalidCodeFormat:  CategoryValidation,
		KindSendCodeFailed:     CategoryTransport,
		KindInvalidCode:        CategoryPlatformRejection,
		KindInvalidPassword:    CategoryPlatformRejection,
		KindInvalidState:       CategoryInvalidState,
		KindStorage:            CategoryStorage,
		Kind("whatever"):       CategoryInternal,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.Category(), string(kind))
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	t.Parallel()

	base := Wrap(KindTransport, "send code", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("request code: %w", base)

	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.Equal(t, CategoryTransport, CategoryOf(wrapped))
	assert.True(t, errors.Is(wrapped, New(KindTransport, "")))
	assert.False(t, errors.Is(wrapped, New(KindInvalidCode, "")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestValidationDetails(t *testing.T) {
	t.Parallel()

	in := []string{"a", "b"}
	err := Validation(KindInvalidCredentials, in)
	in[0] = "mutated"

	assert.Equal(t, []string{"a", "b"}, DetailsOf(err))
	assert.Equal(t, "validation failed: a; b", err.Error())
	assert.Nil(t, DetailsOf(errors.New("x")))
}
