package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/mapping"
)

const (
	subscriberQueueSize = 8
	writeTimeout        = 5 * time.Second
)

var errHubClosed = errors.New("hub is closed")

type subscriber struct {
	id     uuid.UUID
	topics map[string]bool
	conn   *websocket.Conn
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Hub is a mapping.Publisher that fans published messages out to websocket subscribers. A
// subscriber that cannot keep up misses messages rather than slowing the publisher down.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber
	closed      bool
	upgrader    websocket.Upgrader
	logger      logging.Logger

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewHub returns a hub with no subscribers.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subscribers: map[uuid.UUID]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Dropped returns how many messages were not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Publish encodes msg as JSON and queues it for every subscriber of its topic.
func (h *Hub) Publish(ctx context.Context, msg mapping.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "cannot encode %s message", msg.Topic)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	for _, sub := range h.subscribers {
		if !sub.wants(msg.Topic) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			h.dropped.Inc()
			h.logger.Debugw("subscriber is behind, dropping message", "subscriber", sub.id, "topic", msg.Topic)
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams messages to it until either side
// closes. The optional topic query parameter is a comma separated list of topics to receive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{
		id:     uuid.New(),
		topics: map[string]bool{},
		conn:   conn,
		out:    make(chan []byte, subscriberQueueSize),
		done:   make(chan struct{}),
	}
	for _, topic := range strings.Split(r.URL.Query().Get("topic"), ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			sub.topics[topic] = true
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		utils.UncheckedError(conn.Close())
		return
	}
	h.subscribers[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()
	h.logger.Infow("subscriber connected", "subscriber", sub.id, "remote", r.RemoteAddr)

	defer h.wg.Done()
	defer h.remove(sub)

	// the reader only notices the peer going away
	utils.PanicCapturingGo(func() {
		defer sub.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.out:
			utils.UncheckedError(conn.SetWriteDeadline(time.Now().Add(writeTimeout)))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debugw("write to subscriber failed", "subscriber", sub.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
	sub.close()
	utils.UncheckedError(sub.conn.Close())
	h.logger.Infow("subscriber disconnected", "subscriber", sub.id)
}

// Close disconnects every subscriber and waits for their handlers to return. Later publications
// fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var err error
	deadline := time.Now().Add(time.Second)
	for _, sub := range h.subscribers {
		err = multierr.Combine(err, sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline))
		sub.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return err
}
