package legacyio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialPortWriteForwardsToWriter(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPort(&out)

	err := s.HandleIO(COM1PortBase+serialDataOffset, IODirectionOut, 1, []byte{'H'})
	require.NoError(t, err)
	err = s.HandleIO(COM1PortBase+serialDataOffset, IODirectionOut, 1, []byte{'i'})
	require.NoError(t, err)

	assert.Equal(t, "Hi", out.String())
}

func TestSerialPortStatusAlwaysReportsTransmitterEmpty(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPort(&out)

	data := []byte{0}
	require.NoError(t, s.HandleIO(COM1PortBase+serialStatusOffset, IODirectionIn, 1, data))
	assert.Equal(t, byte(serialStatusReady), data[0])
}

func TestSerialPortIgnoresWritesOutsideDataRegister(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPort(&out)

	require.NoError(t, s.HandleIO(COM1PortBase+3, IODirectionOut, 1, []byte{0xFF}))
	assert.Equal(t, 0, out.Len())
}

func TestSerialPortIgnoresNonByteAccess(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPort(&out)

	require.NoError(t, s.HandleIO(COM1PortBase, IODirectionOut, 2, []byte{0x41, 0x00}))
	assert.Equal(t, 0, out.Len())
}

func TestBusRoutesComPortsToSerial(t *testing.T) {
	var out bytes.Buffer
	s := NewSerialPort(&out)

	bus := NewBus()
	bus.RegisterDevice(COM1PortBase, COM1PortEnd, s)

	require.NoError(t, bus.HandleIO(COM1PortBase, IODirectionOut, 1, []byte{'X'}))
	assert.Equal(t, "X", out.String())
}
