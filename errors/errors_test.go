package errors

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ExportedPathInMessage(t *testing.T) {
	err := NewError(ErrCodeOptimisticLock, "version mismatch").
		WithContext(DetailExportedPath, "<root>.books").
		WithContext(DetailEntityID, int64(7))

	assert.Contains(t, err.Error(), "[OPTIMISTIC_LOCK_ERROR]")
	assert.Contains(t, err.Error(), "(path: <root>.books)")

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "<root>.books", appErr.ExportedPath())
	id, ok := appErr.Detail(DetailEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.True(t, IsOptimisticLock(err))
	assert.True(t, stdErrors.Is(err, ErrOptimisticLock))
}

func TestAppError_WithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := NewError(ErrCodeNotUnique, "duplicate key")
	derived := base.WithDetails(map[string]any{DetailProps: []string{"name"}})

	_, ok := base.Details()[DetailProps]
	assert.False(t, ok)
	_, ok = derived.Details()[DetailProps]
	assert.True(t, ok)
	assert.Equal(t, ErrCodeNotUnique, GetErrorCode(derived))
}

func TestNormalize_KnownErrors(t *testing.T) {
	assert.Nil(t, Normalize(nil))

	err := Normalize(sql.ErrNoRows)
	assert.True(t, IsNotFound(err))
	assert.True(t, stdErrors.Is(err, sql.ErrNoRows))

	err = Normalize(context.DeadlineExceeded)
	assert.Equal(t, ErrCodeTimeout, GetErrorCode(err))

	already := NewError(ErrCodeCache, "lock timeout")
	assert.Same(t, already, Normalize(already))

	plain := stdErrors.New("something else")
	assert.Equal(t, plain, Normalize(plain))
}

type fakeDriverError struct{ number int }

func (e *fakeDriverError) Error() string { return "driver failure" }

func TestNormalize_RegisteredClassifier(t *testing.T) {
	RegisterClassifier(func(err error) (ErrorCode, string, bool) {
		var de *fakeDriverError
		if stdErrors.As(err, &de) && de.number == 1062 {
			return ErrCodeNotUnique, "duplicate entry", true
		}
		return "", "", false
	})

	err := Normalize(&fakeDriverError{number: 1062})
	assert.Equal(t, ErrCodeNotUnique, GetErrorCode(err))

	other := &fakeDriverError{number: 1}
	assert.Equal(t, error(other), Normalize(other))
}
