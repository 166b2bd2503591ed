// Package serial opens the TTY side of the modem connection: raw mode,
// 8 data bits, no parity, one stop bit, hardware flow control, and no
// controlling terminal, per the modem's line discipline requirements.
package serial

import (
	"time"

	goserial "github.com/daedaluz/goserial"
)

// Port is the TTY connection to a modem. It satisfies io.ReadWriteCloser.
type Port struct {
	*goserial.Port
}

var baudRates = map[int]goserial.CFlag{
	50:      goserial.B50,
	110:     goserial.B110,
	300:     goserial.B300,
	600:     goserial.B600,
	1200:    goserial.B1200,
	2400:    goserial.B2400,
	4800:    goserial.B4800,
	9600:    goserial.B9600,
	19200:   goserial.B19200,
	38400:   goserial.B38400,
	57600:   goserial.B57600,
	115200:  goserial.B115200,
	230400:  goserial.B230400,
	460800:  goserial.B460800,
	921600:  goserial.B921600,
	1000000: goserial.B1000000,
}

// Open opens the named TTY device at the given baud rate, configured raw
// 8N1 with hardware (RTS/CTS) flow control, and flushes both queues so
// that stale bytes left over from a previous session don't get mistaken
// for a response to the first command issued.
func Open(path string, baud int) (*Port, error) {
	speed, ok := baudRates[baud]
	if !ok {
		speed = goserial.B115200
	}
	opts := goserial.NewOptions().SetReadTimeout(100 * time.Millisecond)
	p, err := goserial.Open(path, opts)
	if err != nil {
		return nil, err
	}
	if err := configure(p, speed); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Flush(goserial.TCIOFLUSH); err != nil {
		p.Close()
		return nil, err
	}
	return &Port{Port: p}, nil
}

func configure(p *goserial.Port, speed goserial.CFlag) error {
	attrs, err := p.GetAttr()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.SetSpeed(speed)
	attrs.Cflag &= ^goserial.CSTOPB // one stop bit
	attrs.Cflag |= goserial.CS8 | goserial.CREAD | goserial.CLOCAL
	attrs.Cflag |= goserial.CRTSCTS // hardware flow control
	return p.SetAttr(goserial.TCSANOW, attrs)
}
