// Package realtime delivers server-pushed events to in-process
// subscribers over a persistent websocket, degrading to fixed-interval
// polling of the recent-activity feed whenever the push channel cannot
// be established or drops.
//
// This is a live-view feed, not a durability path: switching transports
// may reorder or duplicate delivery, so consumers must treat events as
// idempotent notifications. Within a single topic, events are fanned
// out in arrival order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelinkhq/carelink-sync/internal/clock"
)

// ConnectionState is the observed health of the push channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Topic is a named category of real-time event.
type Topic string

const (
	TopicActivity Topic = "activity"
	TopicAlert    Topic = "alert"
	TopicAlertAck Topic = "alert-acknowledged"
	TopicStats    Topic = "stats"
	TopicWorkload Topic = "workload"
)

const eventHeartbeat = "heartbeat"

func knownTopic(t Topic) bool {
	switch t {
	case TopicActivity, TopicAlert, TopicAlertAck, TopicStats, TopicWorkload:
		return true
	}
	return false
}

// ParseError is a malformed push frame. The frame is dropped; the
// channel and unrelated topics are unaffected.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "parse error"
	}
	return fmt.Sprintf("malformed push event: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Handler receives a topic's event payloads.
type Handler func(data json.RawMessage)

// StateHandler observes connection-state transitions.
type StateHandler func(state ConnectionState)

// ActivityFetcher is the read API the poll fallback re-uses. Only the
// activity topic has poll parity; alert/stats/workload subscribers
// receive nothing while degraded.
type ActivityFetcher interface {
	RecentActivity(ctx context.Context, limit int) ([]json.RawMessage, error)
}

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPollInterval   = 15 * time.Second
	defaultPollLimit      = 20
	pollFetchTimeout      = 10 * time.Second
)

type Options struct {
	Logger *slog.Logger
	// StreamURL is the ws:// or wss:// push endpoint.
	StreamURL string
	// Token returns the current bearer token, or "".
	Token   func() string
	Fetcher ActivityFetcher
	Clock   clock.Clock
	Dialer  *websocket.Dialer
	// ReconnectDelay is the fixed delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// PollInterval is the fixed cadence of the poll fallback.
	PollInterval time.Duration
	PollLimit    int
}

// Channel is the realtime subscription multiplexer. The transport is
// lazy: the first topic subscriber brings it up, the last one removed
// tears everything down.
type Channel struct {
	log            *slog.Logger
	url            string
	token          func() string
	fetcher        ActivityFetcher
	clk            clock.Clock
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	pollInterval   time.Duration
	pollLimit      int

	mu        sync.Mutex
	closed    bool
	state     ConnectionState
	nextID    int
	subs      map[Topic]map[int]Handler
	stateSubs map[int]StateHandler
	conn      *websocket.Conn
	// connGen invalidates in-flight dials and stale read loops after a
	// teardown or restart.
	connGen   int
	pollStop  chan struct{}
	reconnect clock.Task

	stateCh chan stateEvent
	done    chan struct{}
}

// stateEvent is a queued state delivery. only targets a single
// subscriber (the replay on registration); zero means broadcast.
type stateEvent struct {
	state ConnectionState
	only  int
}

func New(opts Options) (*Channel, error) {
	u := strings.TrimSpace(opts.StreamURL)
	if u == "" {
		return nil, errors.New("missing stream url")
	}
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return nil, fmt.Errorf("invalid stream url: %q", opts.StreamURL)
	}
	if opts.Token == nil {
		return nil, errors.New("missing token source")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollLimit := opts.PollLimit
	if pollLimit <= 0 {
		pollLimit = defaultPollLimit
	}

	c := &Channel{
		log:            logger,
		url:            u,
		token:          opts.Token,
		fetcher:        opts.Fetcher,
		clk:            clk,
		dialer:         dialer,
		reconnectDelay: reconnectDelay,
		pollInterval:   pollInterval,
		pollLimit:      pollLimit,
		state:          StateDisconnected,
		subs:           make(map[Topic]map[int]Handler),
		stateSubs:      make(map[int]StateHandler),
		stateCh:        make(chan stateEvent, 16),
		done:           make(chan struct{}),
	}
	go c.stateLoop()
	return c, nil
}

// Subscribe registers a topic listener and returns its cancellation
// handle. The first topic subscriber overall lazily brings the
// transport up.
func (c *Channel) Subscribe(topic Topic, fn Handler) (func(), error) {
	if c == nil {
		return nil, errors.New("nil channel")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	if !knownTopic(topic) {
		return nil, fmt.Errorf("unknown topic: %q", topic)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("channel closed")
	}
	c.nextID++
	id := c.nextID
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]Handler)
	}
	c.subs[topic][id] = fn
	if c.topicSubsLocked() == 1 {
		c.startLocked()
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(topic, id) })
	}, nil
}

// SubscribeState registers a connection-state observer. The current
// state is replayed first, then every transition follows; replay and
// transitions share one delivery path so the order holds.
func (c *Channel) SubscribeState(fn StateHandler) (func(), error) {
	if c == nil {
		return nil, errors.New("nil channel")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("channel closed")
	}
	c.nextID++
	id := c.nextID
	c.stateSubs[id] = fn
	// Queued under the lock so no transition can slip in ahead of the
	// replay.
	select {
	case c.stateCh <- stateEvent{state: c.state, only: id}:
	default:
		c.log.Warn("state observers lagging; replay dropped")
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.stateSubs, id)
			c.mu.Unlock()
		})
	}, nil
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	if c == nil {
		return StateDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the channel down for good. Subscriptions registered
// afterwards are refused.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	close(c.done)
	return nil
}

func (c *Channel) unsubscribe(topic Topic, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.subs[topic]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(c.subs, topic)
		}
	}
	if c.topicSubsLocked() == 0 && !c.closed {
		c.teardownLocked()
	}
}

func (c *Channel) topicSubsLocked() int {
	n := 0
	for _, m := range c.subs {
		n += len(m)
	}
	return n
}

// startLocked brings the push transport up: state goes to connecting
// and the dial proceeds off the lock.
func (c *Channel) startLocked() {
	c.connGen++
	gen := c.connGen
	c.setStateLocked(StateConnecting)
	go c.connect(gen)
}

func (c *Channel) connect(gen int) {
	hdr := http.Header{}
	if tok := strings.TrimSpace(c.token()); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := c.dialer.Dial(c.url, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.connGen || c.topicSubsLocked() == 0 {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("push channel connect failed", "error", err)
		c.handleDownLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	// Push takes priority: never poll while the socket is up.
	c.stopPollingLocked()
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("push channel connected")
	go c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.connGen {
				c.mu.Unlock()
				return
			}
			c.conn = nil
			_ = conn.Close()
			c.log.Warn("push channel dropped", "error", err)
			c.handleDownLocked()
			c.mu.Unlock()
			return
		}
		c.dispatch(data)
	}
}

// handleDownLocked is the single recovery path for a failed or dropped
// push channel: degrade to polling (if anyone is listening) and
// schedule a reconnect.
func (c *Channel) handleDownLocked() {
	c.setStateLocked(StateDisconnected)
	if c.topicSubsLocked() == 0 {
		return
	}
	c.startPollingLocked()
	c.scheduleReconnectLocked()
}

func (c *Channel) scheduleReconnectLocked() {
	if c.reconnect != nil {
		return
	}
	c.reconnect = c.clk.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reconnect = nil
		if c.closed || c.topicSubsLocked() == 0 || c.conn != nil {
			return
		}
		c.log.Info("attempting push channel reconnect")
		c.startLocked()
	})
}

func (c *Channel) startPollingLocked() {
	if c.pollStop != nil {
		return
	}
	if c.fetcher == nil {
		c.log.Warn("no fetcher configured; realtime degraded to silence")
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop
	t := c.clk.NewTicker(c.pollInterval)
	c.log.Info("starting poll fallback", "interval", c.pollInterval)

	go func() {
		defer t.Stop()
		c.pollOnce()
		for {
			select {
			case <-stop:
				return
			case <-t.C():
				// A tick can be buffered alongside the stop signal;
				// never poll after stop wins.
				select {
				case <-stop:
					return
				default:
				}
				c.pollOnce()
			}
		}
	}()
}

func (c *Channel) stopPollingLocked() {
	if c.pollStop == nil {
		return
	}
	close(c.pollStop)
	c.pollStop = nil
	c.log.Info("poll fallback stopped")
}

func (c *Channel) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), pollFetchTimeout)
	events, err := c.fetcher.RecentActivity(ctx, c.pollLimit)
	cancel()
	if err != nil {
		c.log.Warn("activity poll failed", "error", err)
		return
	}
	for _, ev := range events {
		c.fanOut(TopicActivity, ev)
	}
}

func (c *Channel) teardownLocked() {
	c.connGen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.stopPollingLocked()
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
	c.setStateLocked(StateDisconnected)
	c.log.Info("realtime transports torn down")
}

// frame is the wire envelope of a push event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *Channel) dispatch(raw []byte) {
	var f frame
	err := json.Unmarshal(raw, &f)
	if err == nil && strings.TrimSpace(f.Event) == "" {
		err = errors.New("missing event name")
	}
	if err != nil {
		c.log.Warn("dropping push frame", "error", &ParseError{Err: err})
		return
	}

	if f.Event == eventHeartbeat {
		c.log.Debug("push heartbeat")
		return
	}
	topic := Topic(f.Event)
	if !knownTopic(topic) {
		c.log.Debug("ignoring unknown push event", "event", f.Event)
		return
	}
	c.fanOut(topic, f.Data)
}

// fanOut invokes a topic's handlers, in registration order, on the
// calling goroutine so per-topic arrival order is preserved.
func (c *Channel) fanOut(topic Topic, data json.RawMessage) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs[topic]))
	for id := range c.subs[topic] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, c.subs[topic][id])
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (c *Channel) setStateLocked(st ConnectionState) {
	if c.state == st {
		return
	}
	c.state = st
	select {
	case c.stateCh <- stateEvent{state: st}:
	default:
		c.log.Warn("connection state observers lagging; transition dropped", "state", st)
	}
}

// stateLoop serializes transition delivery so observers see
// transitions in order.
func (c *Channel) stateLoop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.stateCh:
			c.mu.Lock()
			if ev.only != 0 {
				h := c.stateSubs[ev.only]
				c.mu.Unlock()
				if h != nil {
					h(ev.state)
				}
				continue
			}
			ids := make([]int, 0, len(c.stateSubs))
			for id := range c.stateSubs {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			hs := make([]StateHandler, 0, len(ids))
			for _, id := range ids {
				hs = append(hs, c.stateSubs[id])
			}
			c.mu.Unlock()
			for _, h := range hs {
				h(ev.state)
			}
		}
	}
}
