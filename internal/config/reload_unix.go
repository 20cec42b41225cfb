//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler listens for SIGHUP and SIGUSR1 and triggers a config
// reload on either. SIGUSR1 is accepted as an alias because this package is
// an embeddable client library rather than a standalone daemon: a process
// manager or supervisor embedding it may already own SIGHUP for its own
// purposes (e.g. terminal-hangup forwarding, or its own reload convention),
// leaving SIGUSR1 as the signal an operator can reliably dedicate to this
// reloader in a containerized deployment.
func (r *Reloader) registerSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case sig := <-sigCh:
				r.logger.Info("reload signal received", "signal", sig.String(), "path", r.path)
				r.Reload()
			case <-r.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	r.logger.Info("SIGHUP/SIGUSR1 config reload handler registered")
}
