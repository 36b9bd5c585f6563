package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/domain"
)

const (
	wsWriteWait   = 5 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsSendBacklog = 256
)

type WSOptions struct {
	// URL of the relay, e.g. ws://localhost:8080. The room path is appended.
	URL       string
	Header    http.Header
	ReadLimit int64
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration
}

// WSLink is a websocket client to the relay server. It reconnects with
// exponential backoff and is unavailable while disconnected.
type WSLink struct {
	opts   WSOptions
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	onFrame func([]byte)
	cancel  context.CancelFunc
	done    chan struct{}

	logger zerolog.Logger
}

func NewWSLink(opts WSOptions) *WSLink {
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 30 * time.Second
	}
	return &WSLink{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("module", "transport").Str("link", "ws").Logger(),
	}
}

func (l *WSLink) roomURL(room domain.RoomID) (string, error) {
	u, err := url.Parse(l.opts.URL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	u = u.JoinPath("api", "ws", "room", string(room))
	return u.String(), nil
}

// Open starts the connection loop. A relay that cannot be reached yet is
// not an error; the link keeps retrying in the background.
func (l *WSLink) Open(ctx context.Context, room domain.RoomID) error {
	target, err := l.roomURL(room)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return fmt.Errorf("ws link already open")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.logger = l.logger.With().Str("room", string(room)).Logger()
	go l.run(ctx, target)
	return nil
}

func (l *WSLink) run(ctx context.Context, target string) {
	defer close(l.done)
	for ctx.Err() == nil {
		conn, err := l.dial(ctx, target)
		if err != nil {
			return
		}
		l.serve(ctx, conn)
	}
}

func (l *WSLink) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = l.opts.MaxRetryInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, _, err := l.dialer.DialContext(ctx, target, l.opts.Header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		l.logger.Warn().Err(err).Dur("retry_in", next).Msg("relay unreachable")
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info().Str("url", target).Msg("relay connected")
	return conn, nil
}

func (l *WSLink) serve(ctx context.Context, conn *websocket.Conn) {
	if l.opts.ReadLimit > 0 {
		conn.SetReadLimit(l.opts.ReadLimit)
	}
	send := make(chan []byte, wsSendBacklog)
	l.mu.Lock()
	l.conn, l.send = conn, send
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go l.writePump(ctx, conn, send)
	l.readPump(conn)
	cancel()

	l.mu.Lock()
	l.conn, l.send = nil, nil
	l.mu.Unlock()
	_ = conn.Close()
}

func (l *WSLink) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn().Err(err).Msg("relay read")
			}
			return
		}
		l.mu.Lock()
		fn := l.onFrame
		l.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (l *WSLink) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.logger.Warn().Err(err).Msg("relay write")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *WSLink) Publish(frame []byte) error {
	l.mu.Lock()
	send := l.send
	l.mu.Unlock()
	if send == nil {
		return ErrTransportUnavailable
	}
	select {
	case send <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send backlog full", ErrTransportUnavailable)
	}
}

func (l *WSLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

func (l *WSLink) Close() error {
	l.mu.Lock()
	cancel, done, conn := l.cancel, l.done, l.conn
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		// unblocks readPump
		_ = conn.Close()
	}
	<-done
	return nil
}
