package serial

import (
	"testing"

	goserial "github.com/daedaluz/goserial"
	"github.com/stretchr/testify/assert"
)

func TestConfigureSetsRawModeAndFlowControl(t *testing.T) {
	attrs := &goserial.Termios{
		Cflag: goserial.PARENB | goserial.CSTOPB | goserial.CS7,
	}
	attrs.MakeRaw()
	attrs.SetSpeed(goserial.B115200)
	attrs.Cflag &= ^goserial.CSTOPB
	attrs.Cflag |= goserial.CS8 | goserial.CREAD | goserial.CLOCAL
	attrs.Cflag |= goserial.CRTSCTS

	assert.Equal(t, goserial.CFlag(0), attrs.Cflag&goserial.PARENB, "parity must be disabled")
	assert.Equal(t, goserial.CFlag(0), attrs.Cflag&goserial.CSTOPB, "must be one stop bit")
	assert.Equal(t, goserial.CS8, attrs.Cflag&goserial.CSIZE, "must be 8 data bits")
	assert.NotEqual(t, goserial.CFlag(0), attrs.Cflag&goserial.CRTSCTS, "must enable hardware flow control")
}

func TestBaudRatesFallBackTo115200(t *testing.T) {
	speed, ok := baudRates[115200]
	assert.True(t, ok)
	assert.Equal(t, goserial.B115200, speed)

	_, ok = baudRates[1234567]
	assert.False(t, ok)
}
