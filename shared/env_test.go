package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("CALLSERVICE_TEST_STRING", "hello")
	t.Setenv("CALLSERVICE_TEST_INT", "42")
	t.Setenv("CALLSERVICE_TEST_BAD_INT", "forty-two")
	t.Setenv("CALLSERVICE_TEST_DURATION", "1500ms")
	t.Setenv("CALLSERVICE_TEST_EMPTY", "")

	s, err := Getenv(GetenvString, "CALLSERVICE_TEST_STRING", true, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	n, err := Getenv(GetenvInt, "CALLSERVICE_TEST_INT", false, 7)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Getenv(GetenvInt, "CALLSERVICE_TEST_BAD_INT", false, 7)
	require.Error(t, err)
	assert.Equal(t, 7, n)

	d, err := Getenv(GetenvDuration, "CALLSERVICE_TEST_DURATION", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	s, err = Getenv(GetenvString, "CALLSERVICE_TEST_EMPTY", false, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	_, err = Getenv(GetenvBool, "CALLSERVICE_TEST_MISSING", true, false)
	assert.ErrorIs(t, err, ErrEnvRequired)
}

func TestMustGetenvPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustGetenv(GetenvString, "CALLSERVICE_TEST_MISSING", true, "")
	})
	assert.Equal(t, "x", MustGetenv(GetenvString, "CALLSERVICE_TEST_MISSING", false, "x"))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "DEBUG", want: "debug"},
		{in: "info", want: "info"},
		{in: "", want: "info"},
		{in: "Warn", want: "warn"},
		{in: "ERROR", want: "error"},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidLogLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl.String())
		})
	}
}
