package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressReceive(t *testing.T) {
	f := newFixture(t)
	ingress := NewIngress(f.manager, "s3cret", testLogger())

	for _, line := range []string{"L1", "L2", "L3"} {
		_, err := ingress.Receive("s3cret", "lab-bench", line)
		require.NoError(t, err)
	}

	conn, ok := f.manager.Get("lab-bench")
	require.True(t, ok)
	assert.Equal(t, int64(3), conn.LineCount)
	assert.Equal(t, "L3", conn.LastLine)
	assert.Equal(t, SourceRemote, conn.Source)
	assert.Equal(t, []string{"L1", "L2", "L3"}, f.sink.raws())
}

func TestIngressDefaultPort(t *testing.T) {
	f := newFixture(t)
	ingress := NewIngress(f.manager, "s3cret", testLogger())

	_, err := ingress.Receive("s3cret", "", "hello")
	require.NoError(t, err)

	_, ok := f.manager.Get(DefaultForwardPort)
	assert.True(t, ok)
}

func TestIngressRejects(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		token   string
		raw     string
		wantErr any
	}{
		{"wrong token", "s3cret", "guess", "x", &AuthError{}},
		{"missing token", "s3cret", "", "x", &AuthError{}},
		{"forwarding disabled", "", "", "x", &AuthError{}},
		{"disabled ignores any token", "", "anything", "x", &AuthError{}},
		{"empty data", "s3cret", "s3cret", "", &ValidationError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ingress := NewIngress(f.manager, tt.secret, testLogger())

			_, err := ingress.Receive(tt.token, "COM3", tt.raw)
			require.Error(t, err)

			switch tt.wantErr.(type) {
			case *AuthError:
				var ae *AuthError
				assert.ErrorAs(t, err, &ae)
			case *ValidationError:
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
			}

			assert.Empty(t, f.manager.List(), "rejected data must not touch the registry")
			assert.Empty(t, f.sink.raws())
		})
	}
}
