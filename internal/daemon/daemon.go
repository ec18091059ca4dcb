// Package daemon runs a long-lived service with systemd notification support.
package daemon

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ubuntu/casprobe/internal/log"
	"github.com/ubuntu/decorate"
)

// Daemon serves a single service and reports its state to systemd.
type Daemon struct {
	service Service

	systemdSdNotifier systemdSdNotifier
}

type systemdSdNotifier func(unsetEnvironment bool, state string) (bool, error)

type options struct {
	systemdSdNotifier systemdSdNotifier
}

// Option is the function signature used to tweak the daemon creation.
type Option func(*options)

// WithSdNotifier replaces the systemd notifier, which is a no-op outside of a systemd unit.
func WithSdNotifier(notifier func(unsetEnvironment bool, state string) (bool, error)) Option {
	return func(o *options) {
		o.systemdSdNotifier = notifier
	}
}

// Service is a server that can Serve and be Stopped by our daemon.
type Service interface {
	Addr() string
	Serve() error
	Stop() error
}

// New returns a new, initialized daemon for service.
func New(ctx context.Context, service Service, args ...Option) (d *Daemon, err error) {
	defer decorate.OnError(&err, "can't create daemon")

	log.Debug(ctx, "Building new daemon")

	opts := options{
		systemdSdNotifier: daemon.SdNotify,
	}
	for _, f := range args {
		f(&opts)
	}

	return &Daemon{
		service: service,

		systemdSdNotifier: opts.systemdSdNotifier,
	}, nil
}

// Serve signals systemd that we are ready and blocks until the service stops.
func (d *Daemon) Serve(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "error while serving")

	log.Debug(ctx, "Starting to serve requests")

	if sent, err := d.systemdSdNotifier(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("couldn't send ready notification to systemd: %v", err)
	} else if sent {
		log.Debug(ctx, "Ready state sent to systemd")
	}

	log.Infof(ctx, "Serving requests on %v", d.service.Addr())
	return d.service.Serve()
}

// Quit gracefully stops the service.
func (d *Daemon) Quit(ctx context.Context) {
	log.Info(ctx, "Stopping daemon requested.")
	if _, err := d.systemdSdNotifier(false, daemon.SdNotifyStopping); err != nil {
		log.Warningf(ctx, "Couldn't send stopping notification to systemd: %v", err)
	}
	if err := d.service.Stop(); err != nil {
		log.Warningf(ctx, "Service did not stop cleanly: %v", err)
	}
}
