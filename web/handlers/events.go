// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"

	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/util"
)

const (
	// deliveries buffered per subscriber before new ones are dropped
	subscriberBuffer = 256
	socketTimeout    = 10 * time.Second
	pingInterval     = 30 * time.Second
	maxReadLimit     = 512
)

var (
	droppedCounter              = []string{"events", "dropped"}
	websocketClosureCounterName = []string{"events", "closeCode"}
)

// Events streams delivery records to websocket subscribers. It is the
// routing.Observer of the relay: Observe never blocks, and a subscriber
// that falls behind loses deliveries instead of slowing routing.
type Events struct {
	clock    util.Clock
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan routing.Delivery]struct{}
}

var _ routing.Observer = (*Events)(nil)

// NewEvents returns a handler that takes http GET requests and allows
// clients to upgrade to a websocket, over which every subsequent delivery
// is sent as a JSON text message.
func NewEvents() *Events {
	return &Events{
		clock: util.RealClock,
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  socketTimeout,
			EnableCompression: false,
		},
		subs: map[chan routing.Delivery]struct{}{},
	}
}

// Observe implements routing.Observer
func (e *Events) Observe(d routing.Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- d:
		default:
			metrics.IncrCounter(droppedCounter, 1)
		}
	}
}

// Subscribers returns the number of connected subscribers
func (e *Events) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Events) subscribe() chan routing.Delivery {
	ch := make(chan routing.Delivery, subscriberBuffer)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// unsubscribe stops deliveries to ch. ch is never closed, so a concurrent
// Observe can't send on a closed channel.
func (e *Events) unsubscribe(ch chan routing.Delivery) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(maxReadLimit)

	ch := e.subscribe()
	defer e.unsubscribe(ch)
	logger.Infow("event subscriber connected", "remote", r.RemoteAddr)

	err = e.stream(c, ch)
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		logger.Debugw("subscriber close error", "err", wsErr)
		labels := [1]metrics.Label{{Name: "code", Value: fmt.Sprintf("%d", wsErr.Code)}}
		metrics.IncrCounterWithLabels(websocketClosureCounterName, 1, labels[:])
		return
	}
	logger.Infow("event subscriber disconnected", "remote", r.RemoteAddr, "err", err)

	// Send a close frame and forget, no need to wait for close response
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if err := e.writeMessage(c, websocket.CloseMessage, msg); err != nil {
		logger.Debugw("failed to write close message", "err", err)
	}
}

// stream writes deliveries from ch until the subscriber goes away. Messages
// from the subscriber are read and discarded so control frames are handled.
func (e *Events) stream(c *websocket.Conn, ch <-chan routing.Delivery) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case err := <-readErr:
			return fmt.Errorf("wsread: %w", err)
		case <-ping.C:
			if err := e.writeMessage(c, websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("wsping: %w", err)
			}
		case d := <-ch:
			bs, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := e.writeMessage(c, websocket.TextMessage, bs); err != nil {
				return fmt.Errorf("wswrite: %w", err)
			}
		}
	}
}

func (e *Events) writeMessage(c *websocket.Conn, messageType int, data []byte) error {
	c.SetWriteDeadline(e.clock.Now().Add(socketTimeout))
	return c.WriteMessage(messageType, data)
}
