// Command rild is the Radio Interface Layer core's process entry point
// (§4.I, §6), grounded on u300-ril.c's main() and shaped, for its CLI
// parsing, after warthog618-modem/cmd/waitsms.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/cellwire/ril/hostabi"
)

func main() {
	cfg, err := hostabi.ParseFlags(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	engine := hostabi.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Init(ctx, hostabi.HostCallbacks{
		OnRequestComplete: func(token interface{}, err error, data interface{}) {
			if err != nil {
				logger.Error("request failed", "token", token, "err", err)
				return
			}
			logger.Debug("request completed", "token", token, "data", data)
		},
		OnUnsolicited: func(code int, data interface{}) {
			logger.Debug("unsolicited", "code", code, "data", data)
		},
		OnNewSMS: func(pdu string) {
			logger.Info("new SMS", "pdu", pdu)
		},
		OnStatusReport: func(pdu string) {
			logger.Info("status report", "pdu", pdu)
		},
	}); err != nil {
		logger.Fatal("engine init failed", "err", err)
	}
	defer engine.Shutdown()

	logger.Info("rild ready", "state", engine.CurrentState())
	<-ctx.Done()
	logger.Info("shutting down")
}
