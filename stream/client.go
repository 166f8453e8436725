package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second
const subscribeTimeout = 30 * time.Second

type ClientConfig struct {
	// NodeUrls is the failover list of event service endpoints. One node is
	// connected at a time; a failed connect moves to the next node.
	NodeUrls          []string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SkipEmptyTicks    bool
	IncludeInputData  bool
}

func DefaultClientConfig(nodeUrls []string) ClientConfig {
	return ClientConfig{
		NodeUrls:          nodeUrls,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SkipEmptyTicks:    true,
	}
}

// Client is the websocket transport to the node event service. It owns the
// connection lifecycle: dialing, pings, and reconnecting with capped backoff,
// rotating through the node list. It does not resubscribe by itself, a
// reconnect invalidates the subscription and is signalled on Reconnected();
// the ingestor decides the resume tick and subscribes again.
type Client struct {
	config ClientConfig
	logger *zap.SugaredLogger

	conn      *websocket.Conn
	connMu    sync.Mutex
	nodeIndex atomic.Uint32
	closed    atomic.Bool
	requestID atomic.Uint64

	activeSub atomic.Int64

	pendingSubs   map[uint64]chan subscribeResult
	pendingSubsMu sync.Mutex

	events     chan TickNotification
	reconnects chan struct{}

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// TickNotification is one decoded tick delivered by the stream, together with
// the number of logs dropped because their type is not processed here.
type TickNotification struct {
	Event       domain.TickEvent
	SkippedLogs int
}

type subscribeResult struct {
	id  int64
	err error
}

func NewClient(config ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if len(config.NodeUrls) == 0 {
		return nil, errors.New("no event service node urls configured")
	}

	c := &Client{
		config:      config,
		logger:      logger,
		pendingSubs: make(map[uint64]chan subscribeResult),
		events:      make(chan TickNotification, 1024),
		reconnects:  make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	// The first connect runs through the same reconnect path as any later
	// one, so a node that is down at startup does not kill the process.
	c.wg.Add(1)
	go c.readLoop()
	c.wg.Add(1)
	go c.pingLoop()

	return c, nil
}

// Events delivers decoded tick notifications. Sends block when the channel is
// full, backpressuring the socket reads.
func (c *Client) Events() <-chan TickNotification {
	return c.events
}

// Reconnected signals that the connection was replaced and the subscription
// is gone. The channel is buffered and coalescing.
func (c *Client) Reconnected() <-chan struct{} {
	return c.reconnects
}

// Subscribe requests the tick stream starting at startTick and waits for the
// node's acknowledgement. It replaces any previous subscription.
func (c *Client) Subscribe(ctx context.Context, startTick uint64) error {
	if c.closed.Load() {
		return errors.New("client closed")
	}

	reqID := c.requestID.Add(1)
	req := wsRequest{
		ID:     reqID,
		Method: methodSubscribe,
		Params: subscribeParams{
			StartTick:        startTick,
			SkipEmptyTicks:   c.config.SkipEmptyTicks,
			IncludeInputData: c.config.IncludeInputData,
		},
	}

	confirm := make(chan subscribeResult, 1)
	c.pendingSubsMu.Lock()
	c.pendingSubs[reqID] = confirm
	c.pendingSubsMu.Unlock()

	removePending := func() {
		c.pendingSubsMu.Lock()
		delete(c.pendingSubs, reqID)
		c.pendingSubsMu.Unlock()
	}

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		removePending()
		return errors.New("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.connMu.Unlock()
	if err != nil {
		removePending()
		return errors.Wrap(err, "writing subscribe request")
	}

	select {
	case result := <-confirm:
		if result.err != nil {
			return errors.Wrap(result.err, "subscribe rejected")
		}
		c.logger.Infow("subscribed to tick stream", "startTick", startTick, "subscription", result.id)
		return nil
	case <-time.After(subscribeTimeout):
		removePending()
		return errors.New("subscribe acknowledgement timeout")
	case <-c.done:
		return errors.New("client closed")
	case <-ctx.Done():
		removePending()
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.pendingSubsMu.Lock()
	for id, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, id)
	}
	c.pendingSubsMu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Client) nextNodeUrl() string {
	idx := int(c.nodeIndex.Add(1)-1) % len(c.config.NodeUrls)
	return c.config.NodeUrls[idx]
}

func (c *Client) connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dialing [%s]", url)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnecting.Swap(true) {
				go c.reconnect()
			}
			select {
			case <-c.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warnw("tick stream read failed", "error", err)
			c.connMu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			continue
		}

		c.handleMessage(message)
	}
}

// reconnect dials nodes in rotation until one accepts, sleeping with capped
// exponential backoff between attempts, then signals the new connection.
func (c *Client) reconnect() {
	defer c.reconnecting.Store(false)

	delay := c.config.ReconnectDelay
	for !c.closed.Load() {
		url := c.nextNodeUrl()
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := c.connect(ctx, url)
		cancel()
		if err == nil {
			c.logger.Infow("connected to event service node", "url", url)
			select {
			case c.reconnects <- struct{}{}:
			default:
			}
			return
		}

		c.logger.Warnw("connecting to event service node failed", "url", url, "error", err, "retryDelay", delay)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		delay = delay * 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var resp wsResponse
	if err := json.Unmarshal(message, &resp); err == nil && resp.ID > 0 && (resp.Result > 0 || resp.Error != nil) {
		c.handleSubscribeResponse(&resp)
		return
	}

	var notif wsNotification
	if err := json.Unmarshal(message, &notif); err == nil && notif.Method == methodTickNotification {
		c.handleTickNotification(&notif)
		return
	}

	c.logger.Debugw("ignoring unrecognized stream message", "message", string(message))
}

func (c *Client) handleSubscribeResponse(resp *wsResponse) {
	c.pendingSubsMu.Lock()
	ch, ok := c.pendingSubs[resp.ID]
	if ok {
		delete(c.pendingSubs, resp.ID)
	}
	c.pendingSubsMu.Unlock()
	if !ok {
		return
	}

	result := subscribeResult{id: resp.Result}
	if resp.Error != nil {
		result.err = errors.Errorf("code [%d]: %s", resp.Error.Code, resp.Error.Message)
	} else {
		// set here, on the read loop, so notifications that follow the ack on
		// the same connection always see the new subscription id
		c.activeSub.Store(resp.Result)
	}
	select {
	case ch <- result:
	default:
	}
}

func (c *Client) handleTickNotification(notif *wsNotification) {
	if notif.Params == nil {
		return
	}
	if notif.Params.Subscription != c.activeSub.Load() {
		// stale frame from a replaced subscription
		return
	}

	event, skipped, err := convertTickPayload(notif.Params.Tick)
	if err != nil {
		c.logger.Errorw("dropping undecodable tick notification", "error", err)
		return
	}

	// block until the consumer takes it, events must not be dropped
	select {
	case c.events <- TickNotification{Event: event, SkippedLogs: skipped}:
	case <-c.done:
	}
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
				// a failed ping surfaces as a read error, the read loop reconnects
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
			c.connMu.Unlock()
		}
	}
}
