package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	require.NotPanics(t, func() {
		Assertf(true, "must not fire")
	})
	RequirePanicOrErrorWith(t, func() error {
		Assertf(false, "value is %d", 42)
		return nil
	}, "assertion failed", "value is 42")
	RequirePanicOrErrorWith(t, func() error {
		AssertNoError(errors.New("boom"))
		return nil
	}, "boom")
}

func TestCatchPanicOrError(t *testing.T) {
	err := CatchPanicOrError(func() error {
		return errors.New("plain")
	})
	RequireErrorWith(t, err, "plain")

	err = CatchPanicOrError(func() error {
		panic(errors.New("panicked"))
	})
	RequireErrorWith(t, err, "panicked")

	require.NoError(t, CatchPanicOrError(func() error { return nil }))
}

func TestTh(t *testing.T) {
	require.EqualValues(t, "100_000_000", Th(uint64(100_000_000)))
	require.EqualValues(t, "999", Th(999))
}
