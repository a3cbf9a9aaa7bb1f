package serial_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serialhub/serial"
	"serialhub/serial/serialtest"
)

func TestCountingPort(t *testing.T) {
	fake := serialtest.NewFakePort("/dev/ttyS1")
	fake.PushData("Hello World\n")
	fake.PushData("Second Line\n")
	port := serial.NewCountingPort(fake)

	buf := make([]byte, 100)
	total := 0
	for i := 0; i < 2; i++ {
		n, err := port.Read(buf)
		require.NoError(t, err)
		total += n
	}

	// A timeout is not an error
	_, err := port.Read(buf)
	assert.True(t, serial.IsTimeout(err))

	n, err := port.Write([]byte("PING\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	bytesRead, bytesWritten, errs := port.Stats()
	assert.Equal(t, int64(total), bytesRead)
	assert.Equal(t, int64(24), bytesRead)
	assert.Equal(t, int64(5), bytesWritten)
	assert.Zero(t, errs)
	assert.Equal(t, "PING\n", fake.Written())
	assert.Equal(t, "/dev/ttyS1", port.Device())
}

func TestCountingPortErrors(t *testing.T) {
	fake := serialtest.NewFakePort("/dev/ttyS1")
	fake.PushError(errors.New("framing error"))
	fake.SetWriteError(errors.New("write failed"))
	port := serial.NewCountingPort(fake)

	_, err := port.Read(make([]byte, 10))
	assert.Error(t, err)
	_, err = port.Write([]byte("x"))
	assert.Error(t, err)

	_, _, errs := port.Stats()
	assert.Equal(t, int64(2), errs)
}

func TestCountingPortClose(t *testing.T) {
	fake := serialtest.NewFakePort("/dev/ttyS1")
	port := serial.NewCountingPort(fake)

	require.NoError(t, port.Close())
	assert.True(t, fake.Closed())

	_, err := port.Read(make([]byte, 10))
	assert.True(t, serial.IsVanished(err))
}

func TestCountingPortConcurrentAccess(t *testing.T) {
	fake := serialtest.NewFakePort("/dev/ttyS1")
	port := serial.NewCountingPort(fake)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				port.Write([]byte("ab"))
				port.Stats()
			}
		}()
	}
	wg.Wait()

	_, written, _ := port.Stats()
	assert.Equal(t, int64(200), written)
}

func TestDefaultReadTimeout(t *testing.T) {
	if serial.DefaultReadTimeout.Milliseconds() < 100 || serial.DefaultReadTimeout.Seconds() > 5 {
		t.Errorf("DefaultReadTimeout = %v, expected between 100ms and 5s", serial.DefaultReadTimeout)
	}
}
