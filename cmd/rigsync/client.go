package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/rigsync/internal/config"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/danmuck/rigsync/internal/transport/ws"
)

var errSessionEnded = errors.New("rigsync: session ended before it was usable")

func newClient(cfg config.ClientConfig, hooks session.Hooks) (*session.Client, error) {
	dialer := ws.NewDialer(cfg.DialerConfig())
	return session.New(cfg.SessionConfig(), dialer, hooks)
}

// withSession connects, waits for the handshake and runs fn against the live
// client. One-shot commands never reconnect.
func withSession(ctx context.Context, cfg config.ClientConfig, hooks session.Hooks, fn func(*session.Client) error) error {
	cfg.AutoReconnect = false

	failed := make(chan session.Notice, 1)
	onNotice := hooks.OnNotice
	hooks.OnNotice = func(n session.Notice) {
		switch n.Kind {
		case session.NoticeAuthRejected, session.NoticeTransport:
			select {
			case failed <- n:
			default:
			}
		}
		if onNotice != nil {
			onNotice(n)
		}
	}

	client, err := newClient(cfg, hooks)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		return err
	}
	ready := make(chan error, 1)
	go func() { ready <- client.WaitForState(ctx, session.StateConnected) }()
	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("%w: %v", errSessionEnded, err)
		}
	case n := <-failed:
		if n.Err != nil {
			return n.Err
		}
		return fmt.Errorf("%w: %s", errSessionEnded, n.Message)
	}
	return fn(client)
}
