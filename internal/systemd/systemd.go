// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd enables applications to signal readiness and update watchdog
// timestamp to systemd.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// State defines a sd-notify protocol state.
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
type State string

const (
	// Ready tells the service manager that service startup is
	// finished, or the service finished loading its configuration.
	Ready State = "READY=1"

	// Watchdog tells the service manager to update the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"

	// Stopping tells the service manager that the service is beginning its
	// shutdown.
	Stopping State = "STOPPING=1"
)

// Notifier talks to the service manager over the socket named by the
// NOTIFY_SOCKET environment variable. Outside systemd every method is a no-op.
type Notifier struct {
	// Getenv looks up environment variables.
	Getenv func(string) string
	// Logger receives notification failures. If nil, slog.Default is used.
	Logger *slog.Logger
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Notify sends state to systemd. Failures are logged, not returned.
func (n *Notifier) Notify(state State) {
	addr := &net.UnixAddr{
		Net:  "unixgram",
		Name: n.Getenv("NOTIFY_SOCKET"),
	}
	if addr.Name == "" {
		return
	}

	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		n.logger().Warn("systemd notify failed", "state", state, "error", err)
		return
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		n.logger().Warn("systemd notify failed", "state", state, "error", err)
	}
}

// WatchdogLoop periodically updates systemd watchdog timestamp until ctx is
// canceled. It returns immediately when the watchdog is not enabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	usec := n.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return
	}

	interval, err := watchdogInterval(usec)
	if err != nil {
		n.logger().Warn("systemd watchdog disabled", "error", err)
		return
	}

	// Ping twice per interval, as sd_watchdog_enabled(3) recommends.
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.Notify(Watchdog)
		case <-ctx.Done():
			return
		}
	}
}

func watchdogInterval(usec string) (time.Duration, error) {
	s, err := strconv.Atoi(usec)
	if err != nil {
		return 0, fmt.Errorf("converting WATCHDOG_USEC: %w", err)
	}
	if s <= 0 {
		return 0, errors.New("WATCHDOG_USEC must be a positive number")
	}
	return time.Duration(s) * time.Microsecond, nil
}
