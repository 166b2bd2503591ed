// Package transport opens the byte stream to the modem, over either a TTY
// device or a TCP loopback connection, and watches for the modem's EMRDY
// ready banner before the channel starts issuing commands.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cellwire/ril/serial"
)

// Transport is a bidirectional byte stream to a modem.
type Transport interface {
	io.ReadWriteCloser
}

// Config selects and configures the transport.
type Config struct {
	// TTYPath, if set, opens a serial device; it takes precedence over
	// Host when both are set.
	TTYPath string
	Baud    int

	// Host, if set, dials a TCP connection (loopback or named host).
	Host string
	Port int

	// Backoff is the delay between open retries. Defaults to 5s.
	Backoff time.Duration

	// BannerTimeout is not read by Open, which does not wait for the
	// EMRDY banner; AwaitBanner takes its own timeout (10s when <= 0).
	BannerTimeout time.Duration
}

const (
	defaultBackoff       = 5 * time.Second
	defaultBannerTimeout = 10 * time.Second
	emrdyBanner          = "EMRDY"
)

// Open opens the configured transport, retrying with backoff until ctx is
// done. It does not itself wait for the EMRDY banner; call AwaitBanner on
// the returned Transport if that's required before issuing commands.
func Open(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.TTYPath == "" && cfg.Host == "" {
		return nil, errors.New("transport: neither TTY path nor host configured")
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	for {
		t, err := dial(cfg)
		if err == nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "transport: open cancelled")
		case <-time.After(backoff):
		}
	}
}

func dial(cfg Config) (Transport, error) {
	if cfg.TTYPath != "" {
		baud := cfg.Baud
		if baud == 0 {
			baud = 115200
		}
		return serial.Open(cfg.TTYPath, baud)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return net.Dial("tcp", addr)
}

// AwaitBanner reads lines from r for up to timeout looking for the modem's
// EMRDY ready banner. Its absence is not fatal -- some modems never send
// it -- so AwaitBanner always returns promptly; the caller decides whether
// to log the miss.
//
// AwaitBanner must be called before the transport is handed to the AT
// channel's reader goroutine, since it consumes bytes from r directly.
func AwaitBanner(ctx context.Context, r io.Reader, timeout time.Duration) (seen bool) {
	if timeout <= 0 {
		timeout = defaultBannerTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-tctx.Done():
				return
			}
			if strings.Contains(line, emrdyBanner) {
				return
			}
		}
	}()
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, emrdyBanner) {
				return true
			}
		case <-tctx.Done():
			return false
		}
	}
}
