// Package device is the persistent Socket.IO v4 client used to receive
// remote credential commands over a single outbound WebSocket, adapted
// from a server-side broadcast hub into a single reconnecting client
// connection with a register/command dispatch channel in place of a
// broadcast channel.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the channel's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Registered
	ErrorState
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case ErrorState:
		return "error"
	default:
		return "disconnected"
	}
}

// Command is the tagged union of remote operations a registered device
// accepts.
type Command struct {
	Type         string          `json:"type"`
	CommandID    string          `json:"command_id"`
	Credential   json.RawMessage `json:"credential,omitempty"`
	CredentialID int64           `json:"credential_id,omitempty"`
	Disabled     bool            `json:"disabled,omitempty"`
}

// CommandReply is the response emitted on `credential:response`.
type CommandReply struct {
	CommandID string          `json:"command_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Handler executes one parsed Command against the Credential Pool (through
// the Token Manager for AddCredential's validating refresh) and returns its
// reply. It is the single owner of Pool access for inbound commands, so
// the channel itself never holds a pool reference.
type Handler func(ctx context.Context, cmd Command) CommandReply

// Identity is the device's self-description sent on registration.
type Identity struct {
	Token       string
	DeviceID    string
	DeviceName  string
	DeviceType  string
	AccountType string
}

// Config bundles the channel's tunables.
type Config struct {
	URL               string
	RegistrationTimeout time.Duration
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		RegistrationTimeout: 5 * time.Second,
		HeartbeatInterval:   15 * time.Second,
		ReconnectMin:        1 * time.Second,
		ReconnectMax:        30 * time.Second,
	}
}

// Channel owns the single outbound WebSocket connection and its lifecycle.
type Channel struct {
	cfg      Config
	identity Identity
	handler  Handler

	mu    sync.RWMutex
	state State

	// Registered fires once per successful registration after (re)connect;
	// the Sync Manager listens on it to push immediately.
	Registered chan struct{}
}

func New(cfg Config, identity Identity, handler Handler) *Channel {
	return &Channel{
		cfg:        cfg,
		identity:   identity,
		handler:    handler,
		Registered: make(chan struct{}, 1),
	}
}

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect/serve/reconnect loop until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := c.connectAndServe(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("device channel disconnected", "error", err)
		}
		// A connection that stayed up a while earns a fresh backoff; only
		// rapid connect/fail cycles keep escalating the wait.
		if time.Since(started) > time.Minute {
			b.Reset()
		}

		wait := b.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(ErrorState)
		return fmt.Errorf("device: dial: %w", err)
	}
	defer conn.Close()

	sess, err := c.handshake(conn)
	if err != nil {
		c.setState(ErrorState)
		return err
	}
	c.setState(Connected)

	if err := c.register(conn); err != nil {
		c.setState(ErrorState)
		return err
	}
	c.setState(Registered)
	select {
	case c.Registered <- struct{}{}:
	default:
	}

	return c.serviceLoop(ctx, conn, sess)
}

type session struct {
	pingInterval time.Duration
}

// handshake reads the Engine.IO open packet and
// send the Socket.IO connect-to-namespace packet.
func (c *Channel) handshake(conn *websocket.Conn) (*session, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("device: read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != '0' {
		return nil, fmt.Errorf("device: unexpected open packet %q", string(data))
	}
	var open struct {
		PingInterval int `json:"pingInterval"`
	}
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return nil, fmt.Errorf("device: parse open packet: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return nil, fmt.Errorf("device: send connect packet: %w", err)
	}

	// Await namespace-confirmed packet (Engine.IO message type "4",
	// Socket.IO packet type "0"): "40{...}".
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("device: read namespace ack: %w", err)
		}
		if strings.HasPrefix(string(data), "40") {
			break
		}
	}

	interval := time.Duration(open.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	return &session{pingInterval: interval}, nil
}

// register performs step 4: emit device:register and await the reply
// within the configured timeout.
func (c *Channel) register(conn *websocket.Conn) error {
	payload := map[string]string{
		"token":       c.identity.Token,
		"deviceId":    c.identity.DeviceID,
		"deviceName":  c.identity.DeviceName,
		"deviceType":  c.identity.DeviceType,
		"accountType": c.identity.AccountType,
	}
	if err := emit(conn, "device:register", payload); err != nil {
		return err
	}
	// The registration deadline must not outlive registration itself, or
	// the service loop's blocking reads would start timing out.
	defer conn.SetReadDeadline(time.Time{})

	result := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(c.cfg.RegistrationTimeout)
		for time.Now().Before(deadline) {
			conn.SetReadDeadline(deadline)
			_, data, err := conn.ReadMessage()
			if err != nil {
				result <- fmt.Errorf("device: registration read: %w", err)
				return
			}
			name, _, ok := parseEvent(data)
			switch name {
			case "device:registered":
				result <- nil
				return
			case "device:error":
				result <- fmt.Errorf("device: registration rejected")
				return
			default:
				if !ok {
					continue
				}
			}
		}
		result <- fmt.Errorf("device: registration timed out")
	}()
	return <-result
}

// serviceLoop is step 5: ping/pong, heartbeat, and inbound command
// dispatch, all driven off a single goroutine reading the connection so no
// two goroutines ever write/read concurrently without synchronization.
func (c *Channel) serviceLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	msgCh := make(chan []byte, 16)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-heartbeat.C:
			payload, _ := json.Marshal(map[string]string{"deviceId": c.identity.DeviceID})
			if err := emit(conn, "device:heartbeat", json.RawMessage(payload)); err != nil {
				return err
			}
		case data := <-msgCh:
			if err := c.handleFrame(ctx, conn, data); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	if string(data) == "2" {
		return conn.WriteMessage(websocket.TextMessage, []byte("3"))
	}

	name, payload, ok := parseEvent(data)
	if !ok || name != "credential:command" {
		return nil
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Warn("device: malformed command payload", "error", err)
		return nil
	}

	reply := c.handler(ctx, cmd)
	return emit(conn, "credential:response", reply)
}

// emit writes a Socket.IO event packet: Engine.IO type "4" (message),
// Socket.IO type "2" (event), followed by a JSON array [name, payload].
func emit(conn *websocket.Conn, name string, payload any) error {
	arr := []any{name, payload}
	data, err := json.Marshal(arr)
	if err != nil {
		return fmt.Errorf("device: marshal %s: %w", name, err)
	}
	return conn.WriteMessage(websocket.TextMessage, append([]byte("42"), data...))
}

// parseEvent extracts the event name and raw payload from a Socket.IO
// "42[...]"-shaped event packet. ok is false for non-event packets.
func parseEvent(data []byte) (name string, payload json.RawMessage, ok bool) {
	if len(data) < 2 || data[0] != '4' || data[1] != '2' {
		return "", nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data[2:], &arr); err != nil || len(arr) == 0 {
		return "", nil, false
	}
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, false
	}
	if len(arr) > 1 {
		payload = arr[1]
	}
	return name, payload, true
}
