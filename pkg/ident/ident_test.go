package ident

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIdentifier(t *testing.T) {
	valid := []string{"a", "ValidateOrder", "snake_case", "_private", "Step2", "x9_y"}
	for _, name := range valid {
		assert.True(t, IsValidIdentifier(name), "expected %q to be valid", name)
	}

	invalid := []string{"", "2fast", "has space", "dotted.name", "dash-ed", "emoji😀", "tab\tname"}
	for _, name := range invalid {
		assert.False(t, IsValidIdentifier(name), "expected %q to be invalid", name)
	}
}

func TestValidateIdentifier(t *testing.T) {
	require.NoError(t, ValidateIdentifier("ReserveStock", "stepName"))

	err := ValidateIdentifier("", "stepName")
	require.Error(t, err)

	var identErr *InvalidIdentifierError

	require.True(t, errors.As(err, &identErr))
	assert.Equal(t, "stepName", identErr.Param)
}

func TestValidatePropertyPath(t *testing.T) {
	require.NoError(t, ValidatePropertyPath("Order.Status", "discriminator"))
	require.NoError(t, ValidatePropertyPath("Amount", "discriminator"))

	cases := []string{"", ".", "Order..Status", "Order.", ".Status", "Order.Sta tus"}
	for _, path := range cases {
		err := ValidatePropertyPath(path, "discriminator")
		require.Error(t, err, "expected %q to be rejected", path)

		var pathErr *InvalidPropertyPathError

		require.True(t, errors.As(err, &pathErr))
		assert.Equal(t, "discriminator", pathErr.Param)
	}
}

func TestValidatePropertyPath_ReportsOffendingSegment(t *testing.T) {
	err := ValidatePropertyPath("Order.2fast.Status", "path")
	require.Error(t, err)

	var pathErr *InvalidPropertyPathError

	require.True(t, errors.As(err, &pathErr))
	assert.Equal(t, "2fast", pathErr.Segment)
}
