// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/xposter/internal/testutil"
)

func listen(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	// Unix socket paths are limited in length, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify.sock")

	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listening on unixgram socket: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func getenv(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func read(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatalf("reading from unixgram socket: %v", err)
	}
	return string(buf[:n])
}

func TestNotify(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n := &Notifier{Getenv: getenv(map[string]string{"NOTIFY_SOCKET": path})}
	n.Notify(Ready)

	testutil.AssertEqual(t, read(t, l), "READY=1")
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Parallel()

	n := &Notifier{Getenv: getenv(nil)}
	// Must not panic or block.
	n.Notify(Ready)
	n.WatchdogLoop(context.Background())
}

func TestWatchdogLoop(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n := &Notifier{Getenv: getenv(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "200000",
	})}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.WatchdogLoop(ctx)
		close(done)
	}()

	testutil.AssertEqual(t, read(t, l), "WATCHDOG=1")

	cancel()
	<-done
}

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()

	d, err := watchdogInterval("250000")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, d, 250*time.Millisecond)

	for _, bad := range []string{"abc", "0", "-5"} {
		if _, err := watchdogInterval(bad); err == nil {
			t.Errorf("watchdogInterval(%q) must fail", bad)
		}
	}
}
