package admin

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsZeroVisibility(t *testing.T) {
	assert.True(t, IsZeroVisibility(ErrAccessDenied))
	assert.True(t, IsZeroVisibility(fmt.Errorf("reading vm: %w", ErrVMGone)))
	assert.False(t, IsZeroVisibility(errors.New("qrexec timeout")))
	assert.False(t, IsZeroVisibility(nil))
}
