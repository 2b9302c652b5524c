package ws

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lumatalk-server/internal/domain/protocol"
	"lumatalk-server/internal/platform/logging"
)

const flushTimeout = 2 * time.Second

// ConnectionConfig bounds the queues and timers of one websocket connection.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ControlQueue    int
	OrderedQueue    int
	InboundQueue    int
	MaxMessageBytes int64
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = 64
	}
	if c.OrderedQueue <= 0 {
		c.OrderedQueue = 1024
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	return c
}

// Connection wraps a gorilla websocket connection as an orchestrator channel.
//
// One goroutine reads and decodes client frames into Inbound; another owns
// every write. Outbound events wait in two lanes: the control lane is drained
// before the ordered lane, except that session.ended never overtakes queued
// utterance output.
type Connection struct {
	id     string
	socket *websocket.Conn
	cfg    ConnectionConfig
	logger *logging.Logger

	mu       sync.Mutex
	control  []protocol.Event
	ordered  []protocol.Event
	stopping bool
	flush    bool
	unsent   []protocol.Event

	wake       chan struct{}
	stop       chan struct{}
	inbound    chan protocol.Inbound
	done       chan struct{}
	writerDone chan struct{}

	doneOnce   sync.Once
	closeOnce  sync.Once
	closed     atomic.Bool
	lastActive atomic.Int64
}

// NewConnection starts the reader and writer goroutines for an upgraded socket.
func NewConnection(id string, socket *websocket.Conn, cfg ConnectionConfig, logger *logging.Logger) *Connection {
	cfg = cfg.withDefaults()
	conn := &Connection{
		id:         id,
		socket:     socket,
		cfg:        cfg,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		inbound:    make(chan protocol.Inbound, cfg.InboundQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	conn.touch()
	go conn.readLoop()
	go conn.writeLoop()
	return conn
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Send enqueues an event on its lane without blocking.
func (c *Connection) Send(ev protocol.Event) error {
	c.mu.Lock()
	if c.stopping || c.isDone() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if protocol.Lane(ev) == protocol.LaneControl {
		if len(c.control) >= c.cfg.ControlQueue {
			c.mu.Unlock()
			return ErrQueueFull
		}
		c.control = append(c.control, ev)
	} else {
		if len(c.ordered) >= c.cfg.OrderedQueue {
			c.mu.Unlock()
			return ErrQueueFull
		}
		c.ordered = append(c.ordered, ev)
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Inbound yields decoded client messages. It is closed when the reader stops.
func (c *Connection) Inbound() <-chan protocol.Inbound {
	return c.inbound
}

// Done is closed once the peer is gone or the connection was closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the connection and returns the utterance events that were
// never written. A nil cause flushes both lanes and sends a close frame first.
// Only the first caller receives the unsent events.
func (c *Connection) Close(cause error) []protocol.Event {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.flush = cause == nil && !c.isDone()
		c.mu.Unlock()
		c.closed.Store(true)
		close(c.stop)

		if cause == nil {
			select {
			case <-c.writerDone:
			case <-time.After(flushTimeout):
			}
		}
		_ = c.socket.Close()
		<-c.writerDone
		c.markDone()

		c.mu.Lock()
		c.unsent = c.ordered
		c.ordered, c.control = nil, nil
		c.mu.Unlock()

		if cause != nil && c.logger != nil {
			c.logger.DebugTag("WebSocket", "连接 %s 关闭: %v", c.id, cause)
		}
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.unsent
	c.unsent = nil
	return out
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// GetLastActiveTime exposes when the client last interacted with the server.
func (c *Connection) GetLastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// IsStale checks whether the connection has been idle for longer than timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return time.Since(c.GetLastActiveTime()) > timeout
}

func (c *Connection) pongWait() time.Duration {
	return c.cfg.PingInterval*2 + c.cfg.WriteTimeout
}

func (c *Connection) readLoop() {
	defer func() {
		close(c.inbound)
		c.markDone()
	}()

	c.socket.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.socket.SetPongHandler(func(string) error {
		c.touch()
		return c.socket.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		kind, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed.Load() && c.logger != nil {
				c.logger.WarnTag("WebSocket", "连接 %s 读取失败: %v", c.id, err)
			}
			return
		}
		c.touch()
		_ = c.socket.SetReadDeadline(time.Now().Add(c.pongWait()))

		var msg protocol.Inbound
		switch kind {
		case websocket.BinaryMessage:
			frame, derr := protocol.DecodeBinary(data)
			msg, err = frame, derr
		case websocket.TextMessage:
			msg, err = protocol.DecodeText(data)
		default:
			continue
		}
		if err != nil {
			if c.logger != nil {
				c.logger.WarnTag("WebSocket", "连接 %s 丢弃无效消息: %v", c.id, err)
			}
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.stop:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		ev, lane, ok, finished := c.next()
		if finished {
			c.writeClose()
			return
		}
		if ok {
			if err := c.write(ev); err != nil {
				if errors.Is(err, ErrEncodeFailed) {
					// 无法编码的事件不会再重放，直接断开让客户端感知
					if c.logger != nil {
						c.logger.ErrorTag("WebSocket", "连接 %s 编码 %s 失败，断开连接: %v", c.id, ev.Type(), err)
					}
					c.abandon()
					return
				}
				c.requeue(ev, lane)
				if !c.closed.Load() && c.logger != nil {
					c.logger.WarnTag("WebSocket", "连接 %s 写入失败: %v", c.id, err)
				}
				c.markDone()
				return
			}
			continue
		}

		select {
		case <-c.wake:
		case <-c.stop:
			c.mu.Lock()
			flush := c.flush
			c.mu.Unlock()
			if !flush {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.markDone()
				return
			}
		case <-c.done:
			return
		}
	}
}

// next pops the event to write. finished is set once a flushing close has
// emptied both lanes.
func (c *Connection) next() (ev protocol.Event, lane protocol.LaneKind, ok, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping && !c.flush {
		return nil, 0, false, false
	}
	if len(c.control) > 0 {
		if _, ending := c.control[0].(protocol.SessionEnded); !ending || len(c.ordered) == 0 {
			ev = c.control[0]
			c.control = c.control[1:]
			return ev, protocol.LaneControl, true, false
		}
	}
	if len(c.ordered) > 0 {
		ev = c.ordered[0]
		c.ordered = c.ordered[1:]
		return ev, protocol.LaneOrdered, true, false
	}
	return nil, 0, false, c.stopping && c.flush
}

func (c *Connection) requeue(ev protocol.Event, lane protocol.LaneKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lane == protocol.LaneControl {
		c.control = append([]protocol.Event{ev}, c.control...)
		return
	}
	c.ordered = append([]protocol.Event{ev}, c.ordered...)
}

func (c *Connection) write(ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	kind := websocket.TextMessage
	if frame.Binary {
		kind = websocket.BinaryMessage
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.socket.WriteMessage(kind, frame.Data); err != nil {
		return err
	}
	c.touch()
	return nil
}

// abandon drops the socket after a fatal write. The reader sees the error and
// the orchestrator treats it as transport loss.
func (c *Connection) abandon() {
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "encode failed")
	_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	_ = c.socket.Close()
	c.markDone()
}

func (c *Connection) ping() error {
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *Connection) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && c.logger != nil {
		c.logger.DebugTag("WebSocket", "连接 %s 发送关闭帧失败: %v", c.id, err)
	}
}

func (c *Connection) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}
