// Package channel maintains the streaming websocket connection to the
// generation backend. It tracks correlation ids of current interest, forwards
// progress and preview events to a callback and clears its registry on terminal
// events. It never marks jobs complete: terminal events race with multi-file
// batches still being written and carry no artifact list, so completion is
// left entirely to the filesystem scanner.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/gorilla/websocket"
)

// Notifier receives live progress and preview updates for registered prompts
type Notifier interface {
	OnProgress(correlationID, displayTarget string, step, maxSteps int)
	OnPreview(correlationID, displayTarget string, payload []byte)
}

type promptStatus string

const (
	promptQueued    promptStatus = "queued"
	promptExecuting promptStatus = "executing"
)

type promptEntry struct {
	displayTarget string
	status        promptStatus
	lastPreview   time.Time
}

// Channel is the streaming client. Connection state moves
// disconnected -> connecting -> connected and resets to disconnected on any
// listener exit; reconnection is driven by the owner, never automatic.
type Channel struct {
	url      string
	notifier Notifier

	connectTimeout  time.Duration
	reconnectDelay  time.Duration
	previewThrottle time.Duration

	lock       sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	clientID   string
	active     map[string]*promptEntry

	ready     chan struct{} // closed once the session identity arrives
	readyOnce sync.Once
}

// Config for Channel
type Config struct {
	URL             string        // ws endpoint, e.g. ws://127.0.0.1:8188/ws
	Notifier        Notifier      // progress/preview receiver, optional
	ConnectTimeout  time.Duration // dial timeout, default 10s
	ReconnectDelay  time.Duration // fixed delay before Reconnect retries, default 5s
	PreviewThrottle time.Duration // min gap between preview forwards per prompt, default 2s
}

// New makes a disconnected channel, EnsureConnected starts it
func New(cfg Config) *Channel {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PreviewThrottle == 0 {
		cfg.PreviewThrottle = 2 * time.Second
	}
	return &Channel{
		url:             cfg.URL,
		notifier:        cfg.Notifier,
		connectTimeout:  cfg.ConnectTimeout,
		reconnectDelay:  cfg.ReconnectDelay,
		previewThrottle: cfg.PreviewThrottle,
		active:          map[string]*promptEntry{},
		ready:           make(chan struct{}),
	}
}

// EnsureConnected dials the backend unless already connected or connecting.
// Safe to call repeatedly; at most one connect attempt is ever in flight.
func (c *Channel) EnsureConnected(ctx context.Context) error {
	c.lock.Lock()
	if c.connected || c.connecting {
		c.lock.Unlock()
		return nil
	}
	c.connecting = true
	c.lock.Unlock()

	log.Printf("[DEBUG] connecting to %s", c.url)
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.connecting = false
	if err != nil {
		return fmt.Errorf("can't connect to %s: %w", c.url, err)
	}

	c.conn = conn
	c.connected = true
	log.Printf("[INFO] connected to %s", c.url)
	go c.listen(conn)
	return nil
}

// Reconnect tears the connection down and retries after a fixed delay.
// The delay prevents a hot loop against an unreachable backend.
func (c *Channel) Reconnect(ctx context.Context) error {
	log.Printf("[INFO] reconnect sequence initiated")
	c.Disconnect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.reconnectDelay):
	}
	return c.EnsureConnected(ctx)
}

// Disconnect closes the connection, idempotent and always safe to call.
// Closing the socket also terminates the listener goroutine.
func (c *Channel) Disconnect() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.Printf("[DEBUG] error closing connection: %v", err)
		}
		c.conn = nil
	}
	c.connected = false
	c.connecting = false
}

// IsConnected reports the current connection state
func (c *Channel) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// ClientID returns the session identity assigned by the backend, empty until
// the first status event arrives
func (c *Channel) ClientID() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.clientID
}

// WaitReady blocks until the session identity is known or ctx expires.
// Callers proceed in degraded mode on timeout: submissions still work,
// progress updates may simply not occur.
func (c *Channel) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for session identity: %w", ctx.Err())
	}
}

// RegisterPrompt adds a correlation id to the active registry
func (c *Channel) RegisterPrompt(correlationID, displayTarget string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	log.Printf("[DEBUG] registering prompt %s for %s", correlationID, displayTarget)
	c.active[correlationID] = &promptEntry{displayTarget: displayTarget, status: promptQueued}
}

// UnregisterPrompt drops a correlation id from the active registry,
// no-op if not registered
func (c *Channel) UnregisterPrompt(correlationID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, found := c.active[correlationID]; found {
		delete(c.active, correlationID)
		log.Printf("[DEBUG] unregistered prompt %s", correlationID)
	}
}

// IsRegistered reports if a correlation id is currently of interest
func (c *Channel) IsRegistered(correlationID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, found := c.active[correlationID]
	return found
}

// ActiveCount returns the size of the active registry
func (c *Channel) ActiveCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.active)
}

// listen is the read loop for a single connection. Any exit, clean or not,
// resets the channel to disconnected; the owner decides when to reconnect.
func (c *Channel) listen(conn *websocket.Conn) {
	log.Printf("[DEBUG] listener started")
	defer func() {
		c.lock.Lock()
		if c.conn == conn { // don't clobber a newer connection
			c.conn = nil
			c.connected = false
		}
		c.lock.Unlock()
		log.Printf("[INFO] listener terminated")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WARN] read failed: %v", err)
			return
		}
		if msgType != websocket.TextMessage {
			continue // binary frames carry raw previews, JSON preview events cover us
		}
		c.handleMessage(data)
	}
}

type wsEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	SID  string          `json:"sid,omitempty"`
}

// handleMessage parses and dispatches a single event. Malformed payloads are
// logged and dropped, the listener keeps going.
func (c *Channel) handleMessage(data []byte) {
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[WARN] malformed event dropped: %v", err)
		return
	}

	switch ev.Type {
	case "status":
		c.handleStatus(ev)
	case "execution_start", "execution_cached", "executing":
		c.handleExecuting(ev)
	case "progress":
		c.handleProgress(ev)
	case "preview":
		c.handlePreview(ev)
	case "executed", "execution_error", "execution_interrupted":
		c.handleTerminal(ev)
	default:
		log.Printf("[DEBUG] ignoring event type %q", ev.Type)
	}
}

func (c *Channel) handleStatus(ev wsEvent) {
	var data struct {
		SID string `json:"sid"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Printf("[WARN] malformed status event dropped: %v", err)
			return
		}
	}
	sid := data.SID
	if sid == "" {
		sid = ev.SID
	}
	if sid == "" {
		return
	}

	c.lock.Lock()
	if c.clientID == "" {
		c.clientID = sid
		log.Printf("[INFO] received client id %s", sid)
	} else if c.clientID != sid {
		log.Printf("[WARN] client id changed from %s to %s", c.clientID, sid)
		c.clientID = sid
	}
	c.lock.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
}

// handleExecuting marks the named prompt executing and demotes any other
// executing entry back to queued: only one job truly runs on the backend at a
// time, this keeps status accurate under reordering
func (c *Channel) handleExecuting(ev wsEvent) {
	cid, err := promptID(ev.Data)
	if err != nil {
		log.Printf("[WARN] malformed %s event dropped: %v", ev.Type, err)
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	entry, found := c.active[cid]
	if !found {
		return
	}
	if entry.status != promptExecuting {
		log.Printf("[DEBUG] prompt %s started executing", cid)
	}
	for id, e := range c.active {
		if id == cid {
			e.status = promptExecuting
			continue
		}
		if e.status == promptExecuting {
			e.status = promptQueued
		}
	}
}

func (c *Channel) handleProgress(ev wsEvent) {
	var data struct {
		Value    int    `json:"value"`
		Max      int    `json:"max"`
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		log.Printf("[WARN] malformed progress event dropped: %v", err)
		return
	}
	if data.Max <= 0 {
		return
	}

	c.lock.Lock()
	cid, entry := c.resolvePrompt(data.PromptID)
	var target string
	if entry != nil {
		target = entry.displayTarget
	}
	c.lock.Unlock()

	if entry == nil || c.notifier == nil {
		return
	}
	c.notifier.OnProgress(cid, target, data.Value, data.Max)
}

// handlePreview forwards a partial artifact, at most one per throttle window
// per prompt
func (c *Channel) handlePreview(ev wsEvent) {
	var data struct {
		PromptID string `json:"prompt_id"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			log.Printf("[WARN] malformed preview event dropped: %v", err)
			return
		}
	}

	c.lock.Lock()
	cid, entry := c.resolvePrompt(data.PromptID)
	forward := false
	var target string
	if entry != nil {
		target = entry.displayTarget
		if time.Since(entry.lastPreview) >= c.previewThrottle {
			entry.lastPreview = time.Now()
			forward = true
		}
	}
	c.lock.Unlock()

	if !forward || c.notifier == nil {
		return
	}
	c.notifier.OnPreview(cid, target, ev.Data)
}

// handleTerminal clears the registry entry. The job itself stays pending, the
// scanner owns completion.
func (c *Channel) handleTerminal(ev wsEvent) {
	cid, err := promptID(ev.Data)
	if err != nil {
		log.Printf("[WARN] malformed %s event dropped: %v", ev.Type, err)
		return
	}
	if ev.Type != "executed" {
		log.Printf("[WARN] prompt %s finished with %s", cid, ev.Type)
	} else {
		log.Printf("[DEBUG] prompt %s finished execution", cid)
	}
	c.UnregisterPrompt(cid)
}

// resolvePrompt finds the registry entry for the given correlation id, falling
// back to whichever entry is currently executing when the event carries none.
// Callers must hold the lock.
func (c *Channel) resolvePrompt(cid string) (string, *promptEntry) {
	if cid != "" {
		return cid, c.active[cid]
	}
	for id, entry := range c.active {
		if entry.status == promptExecuting {
			return id, entry
		}
	}
	return "", nil
}

func promptID(data json.RawMessage) (string, error) {
	var d struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return "", err
	}
	if d.PromptID == "" {
		return "", fmt.Errorf("no prompt_id in event")
	}
	return d.PromptID, nil
}
