package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voidlink/internal/session"
)

const (
	statusInterval = 100 * time.Millisecond
	meterWidth     = 20
)

// toggler is the part of [session.Manager] the terminal drives.
type toggler interface {
	Connect(ctx context.Context) error
	Disconnect()
	Status() session.Status
	Snapshot() session.Snapshot
}

// runTerminal toggles the session on every line read from in and redraws a
// status line on out while a session is active. It returns when ctx ends;
// EOF on in only stops the toggle.
func runTerminal(ctx context.Context, in io.Reader, out io.Writer, sess toggler) error {
	lines := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "press Enter to connect or disconnect, Ctrl+C to quit")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	drawn := false
	for {
		select {
		case <-ctx.Done():
			if drawn {
				fmt.Fprintln(out)
			}
			return nil
		case _, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			toggle(ctx, sess)
		case <-ticker.C:
			snap := sess.Snapshot()
			switch {
			case snap.Status.Active():
				fmt.Fprint(out, "\r"+statusLine(snap))
				drawn = true
			case drawn:
				fmt.Fprintln(out, "\r"+statusLine(snap))
				drawn = false
			}
		}
	}
}

// toggle disconnects an active session or starts a new one. Connect runs in
// the background so the status line keeps updating during acquisition.
func toggle(ctx context.Context, sess toggler) {
	if sess.Status().Active() {
		sess.Disconnect()
		return
	}
	go func() {
		err := sess.Connect(ctx)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrSessionActive), errors.Is(err, context.Canceled):
			slog.Debug("terminal: connect skipped", "err", err)
		default:
			slog.Warn("terminal: connect failed", "err", err)
		}
	}()
}

// statusLine renders the status and both meters at a fixed width so a
// redraw fully overwrites the previous line.
func statusLine(snap session.Snapshot) string {
	return fmt.Sprintf("%-12s in [%s] out [%s]",
		snap.Status.String(),
		meter(snap.Volume.Input),
		meter(snap.Volume.Output),
	)
}

func meter(level float64) string {
	n := int(level*meterWidth + 0.5)
	n = max(0, min(meterWidth, n))
	return strings.Repeat("#", n) + strings.Repeat("-", meterWidth-n)
}
