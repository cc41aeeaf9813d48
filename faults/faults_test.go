package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	testCases := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"transient", Transient("store", base), true, false},
		{"permanent", Permanent("store", base), false, true},
		{"wrapped transient", fmt.Errorf("applying: %w", Transient("store", base)), true, false},
		{"wrapped permanent", fmt.Errorf("applying: %w", Permanent("store", base)), false, true},
		{"deadline counts as transient", context.DeadlineExceeded, true, false},
		{"plain error is neither", base, false, false},
		{"nil", nil, false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.wantTransient, IsTransient(tc.err))
			require.Equal(t, tc.wantPermanent, IsPermanent(tc.err))
		})
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Transient("store", base)
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "transient")
	require.Contains(t, err.Error(), "store")
}
