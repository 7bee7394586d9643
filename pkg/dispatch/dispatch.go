// Package dispatch delivers recognition results to the downstream
// consumer over a persistent websocket. A single Dispatcher is shared
// by every camera pipeline; pipelines enqueue and move on, never
// waiting on delivery.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
)

// Conn is the outbound connection contract, satisfied by
// *websocket.Conn.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens the outbound connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stats is a read-only snapshot of dispatcher health.
type Stats struct {
	Connected bool   `json:"connected"`
	QueueLen  int    `json:"queue_len"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Dispatcher owns the bounded outbound queue and the sender loop.
type Dispatcher struct {
	cfg    config.PushConfig
	dial   Dialer
	logger *slog.Logger

	mu        sync.Mutex
	queue     []Message
	seq       map[string]uint64
	delivered uint64
	dropped   uint64
	connected bool

	notify chan struct{}
}

// New creates a dispatcher. A nil dialer uses gorilla/websocket.
func New(cfg config.PushConfig, dial Dialer) *Dispatcher {
	if dial == nil {
		dial = WebsocketDialer
	}
	return &Dispatcher{
		cfg:    cfg,
		dial:   dial,
		logger: log.Component("dispatch"),
		seq:    make(map[string]uint64),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue accepts a message for delivery. Never blocks.
//
// The per-camera sequence number is assigned here, strictly
// increasing. An undelivered older message for the same camera is
// superseded and discarded; only the latest state per camera matters
// to the consumer. When the queue is full the oldest message is
// dropped first.
func (d *Dispatcher) Enqueue(msg Message) uint64 {
	d.mu.Lock()

	d.seq[msg.CameraID]++
	msg.Seq = d.seq[msg.CameraID]

	// Supersede: discard the queued older message for this camera.
	for i, queued := range d.queue {
		if queued.CameraID == msg.CameraID {
			d.logger.Debug("superseded undelivered message",
				"camera", queued.CameraID,
				"seq", queued.Seq,
			)
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.dropped++
			break
		}
	}

	d.queue = append(d.queue, msg)
	if len(d.queue) > d.cfg.QueueSize {
		oldest := d.queue[0]
		d.queue = d.queue[1:]
		d.dropped++
		d.logger.Warn("queue full, dropped oldest message",
			"camera", oldest.CameraID,
			"seq", oldest.Seq,
		)
	}
	seq := msg.Seq
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return seq
}

// Stats returns a snapshot of dispatcher health.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Connected: d.connected,
		QueueLen:  len(d.queue),
		Delivered: d.delivered,
		Dropped:   d.dropped,
	}
}

// Run drives the sender loop until ctx is canceled, then flushes the
// remaining queue within the configured grace period. While
// disconnected it keeps dialing on the reconnect cadence, with
// backoff, even when the queue is empty.
func (d *Dispatcher) Run(ctx context.Context) {
	var conn Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
		d.setConnected(false)
	}()

	redials := 0

	for {
		msg, ok := d.pop()
		if !ok {
			if conn == nil {
				delay := d.cfg.ReconnectDelay()
				if redials > 0 {
					delay = backoffDelay(delay, redials)
				}
				timer := time.NewTimer(delay)
				select {
				case <-d.notify:
					timer.Stop()
				case <-timer.C:
					c, err := d.connect(ctx)
					if err != nil {
						redials++
						d.logger.Warn("reconnect failed",
							"url", d.cfg.URL,
							"attempt", redials,
							"error", err,
						)
						continue
					}
					conn = c
					redials = 0
				case <-ctx.Done():
					timer.Stop()
					d.flush(conn)
					return
				}
				continue
			}
			select {
			case <-d.notify:
				continue
			case <-ctx.Done():
				d.flush(conn)
				return
			}
		}

		conn = d.send(ctx, conn, msg)
		if conn != nil {
			redials = 0
		}

		if ctx.Err() != nil {
			d.flush(conn)
			return
		}
	}
}

// send attempts delivery with exponential backoff up to the attempt
// ceiling, reconnecting as needed. Past the ceiling the message is
// dropped and logged; the loop moves on so no camera is stalled.
func (d *Dispatcher) send(ctx context.Context, conn Conn, msg Message) Conn {
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoffDelay(d.cfg.RetryBase(), attempt)) {
				break
			}
		}

		if conn == nil {
			var err error
			conn, err = d.connect(ctx)
			if err != nil {
				d.logger.Warn("connect failed",
					"url", d.cfg.URL,
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
		}

		if err := conn.WriteJSON(msg); err != nil {
			d.logger.Warn("delivery failed",
				"camera", msg.CameraID,
				"seq", msg.Seq,
				"attempt", attempt+1,
				"error", err,
			)
			conn.Close()
			conn = nil
			d.setConnected(false)
			continue
		}

		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
		d.logger.Debug("delivered",
			"camera", msg.CameraID,
			"seq", msg.Seq,
		)
		return conn
	}

	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
	d.logger.Error("message dropped after attempt ceiling",
		"camera", msg.CameraID,
		"seq", msg.Seq,
		"attempts", d.cfg.MaxAttempts,
	)
	return conn
}

// flush delivers what it can of the remaining queue within the grace
// period, one attempt per message.
func (d *Dispatcher) flush(conn Conn) {
	deadline := time.Now().Add(d.cfg.FlushGrace())

	for time.Now().Before(deadline) {
		msg, ok := d.pop()
		if !ok {
			return
		}

		if conn == nil {
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			var err error
			conn, err = d.connect(ctx)
			cancel()
			if err != nil {
				d.logger.Warn("flush aborted, no connection", "error", err)
				return
			}
		}

		if err := conn.WriteJSON(msg); err != nil {
			d.logger.Warn("flush delivery failed",
				"camera", msg.CameraID,
				"seq", msg.Seq,
				"error", err,
			)
			return
		}

		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

func (d *Dispatcher) connect(ctx context.Context) (Conn, error) {
	conn, err := d.dial(ctx, d.cfg.URL)
	if err != nil {
		return nil, err
	}
	d.setConnected(true)
	d.logger.Info("connected to consumer", "url", d.cfg.URL)
	return conn, nil
}

func (d *Dispatcher) pop() (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Message{}, false
	}
	msg := d.queue[0]
	d.queue = d.queue[1:]
	return msg, true
}

func (d *Dispatcher) setConnected(connected bool) {
	d.mu.Lock()
	d.connected = connected
	d.mu.Unlock()
}

// backoffDelay doubles the base per attempt, capped at 30s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt-1)
	if delay > 30*time.Second || delay <= 0 {
		return 30 * time.Second
	}
	return delay
}

// sleepCtx sleeps unless the context finishes first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
