package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"development", "staging", "production"} {
		l, err := New(env, "coordinator")
		require.NoError(t, err, env)
		assert.NotNil(t, l)
	}
	_, err := New("lab", "coordinator")
	assert.EqualError(t, err, "unknown environment: lab")
}
