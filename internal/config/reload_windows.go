//go:build windows

package config

// registerSignalHandler is a no-op on Windows: neither SIGHUP nor SIGUSR1
// exist there. Config reload is still supported via the fsnotify file
// watcher, which is the only trigger Windows deployments of this library
// get — there is no Windows equivalent signal to wire up as an alias.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("signal-based config reload unavailable on Windows, using file watcher only", "path", r.path)
}
