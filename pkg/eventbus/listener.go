// Package eventbus implements the best-effort message bus collaborator
// of SPEC_FULL.md §6.2: LISTEN/NOTIFY-backed fan-out of journal events
// to live subscribers, explicitly non-authoritative — pkg/journal's
// Store is always the source of truth, and loss of a NOTIFY never
// corrupts Run state. Grounded on pkg/events/listener.go's NotifyListener
// (a single goroutine owning the dedicated LISTEN connection, commands
// serialized through a channel to avoid concurrent pgx access, backoff
// reconnect) and pkg/events/publisher.go's notifyOnly / truncation logic.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyPayloadLimit keeps a safety margin under PostgreSQL's NOTIFY
// payload ceiling (8000 bytes); truncateForNotify shortens payloads above
// it, matching pkg/events/publisher.go's 7900-byte margin.
const notifyPayloadLimit = 7900

type listenCmd struct {
	sql    string
	result chan error
}

// Bus owns one dedicated LISTEN connection and fans incoming
// notifications out to per-channel subscriber sets. Publish runs on a
// caller's own connection/transaction (see publish.go) — Bus itself
// only LISTENs and dispatches.
type Bus struct {
	connString string

	connMu sync.Mutex
	conn   *pgx.Conn

	cmdCh chan listenCmd

	subMu sync.Mutex
	subs  map[string]map[int]chan []byte
	nextID int

	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New constructs a Bus; call Start to establish the LISTEN connection.
func New(connString string) *Bus {
	return &Bus{
		connString: connString,
		cmdCh:      make(chan listenCmd, 16),
		subs:       make(map[string]map[int]chan []byte),
	}
}

// Start dials the dedicated LISTEN connection and begins the receive loop.
func (b *Bus) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("eventbus: failed to connect for LISTEN: %w", err)
	}
	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		b.receiveLoop(loopCtx)
	}()
	return nil
}

// Stop halts the receive loop and closes the LISTEN connection.
func (b *Bus) Stop(ctx context.Context) {
	if b.cancel != nil {
		b.cancel()
	}
	if b.loopDone != nil {
		<-b.loopDone
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
}

// Subscribe registers interest in channel and issues LISTEN if this is
// the first subscriber. The returned function unsubscribes and, if no
// subscribers remain, issues UNLISTEN.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	b.subMu.Lock()
	needsListen := len(b.subs[channel]) == 0
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan []byte)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 32)
	b.subs[channel][id] = ch
	b.subMu.Unlock()

	if needsListen {
		sanitized := pgx.Identifier{channel}.Sanitize()
		if err := b.exec(ctx, "LISTEN "+sanitized); err != nil {
			b.subMu.Lock()
			delete(b.subs[channel], id)
			b.subMu.Unlock()
			return nil, nil, err
		}
	}

	unsubscribe := func() {
		b.subMu.Lock()
		delete(b.subs[channel], id)
		last := len(b.subs[channel]) == 0
		if last {
			delete(b.subs, channel)
		}
		b.subMu.Unlock()
		if last {
			sanitized := pgx.Identifier{channel}.Sanitize()
			_ = b.exec(context.Background(), "UNLISTEN "+sanitized)
		}
	}
	return ch, unsubscribe, nil
}

func (b *Bus) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case b.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.drainCmds(ctx)

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()
		if conn == nil {
			b.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("eventbus: NOTIFY receive error", "error", err)
			b.reconnect(ctx)
			continue
		}

		b.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

func (b *Bus) drainCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			b.connMu.Lock()
			conn := b.conn
			b.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("eventbus: LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

func (b *Bus) dispatch(channel string, payload []byte) {
	b.subMu.Lock()
	subs := make([]chan []byte, 0, len(b.subs[channel]))
	for _, ch := range b.subs[channel] {
		subs = append(subs, ch)
	}
	b.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default: // slow subscriber; drop rather than block the receive loop
		}
	}
}

func (b *Bus) reconnect(ctx context.Context) {
	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
	b.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, b.connString)
		if err != nil {
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()

		b.subMu.Lock()
		channels := make([]string, 0, len(b.subs))
		for ch := range b.subs {
			channels = append(channels, ch)
		}
		b.subMu.Unlock()
		for _, ch := range channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("eventbus: re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		return
	}
}
