/*
plc.go is the field-protocol client for the breaker controller. A single coil
holds the breaker command, a single discrete input reports the actual breaker
position. All calls carry the configured timeout; failures are returned as
typed errors, never raised as fatal conditions. Retry cadence beyond one
immediate reconnect belongs to the cycle driver.
*/

package plc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ErrTimeout reports a call that exceeded the configured protocol timeout.
var ErrTimeout = errors.New("plc: protocol timeout")

// ErrUnavailable reports a controller that could not be reached.
var ErrUnavailable = errors.New("plc: controller unavailable")

// Config is the JSON configuration for the breaker controller endpoint.
type Config struct {
	Addr          string `json:"Addr"`
	Port          int    `json:"Port"`
	SlaveID       byte   `json:"SlaveID"`
	TimeoutMs     int    `json:"TimeoutMs"`
	CommandCoil   uint16 `json:"CommandCoil"`
	PositionInput uint16 `json:"PositionInput"`
}

// Validate reports malformed addressing or timing configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("plc config: empty controller address")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("plc config: port %d out of range", c.Port)
	}
	if c.TimeoutMs <= 0 {
		return errors.New("plc config: timeout must be positive")
	}
	return nil
}

// Session tracks the health of the controller connection. Mutated only by
// the owning Client; read concurrently through Client.Session().
type Session struct {
	Connected            bool      `json:"Connected"`
	LastSuccessAt        time.Time `json:"LastSuccessAt"`
	ConsecutiveFailures  int       `json:"ConsecutiveFailures"`
	ConsecutiveSuccesses int       `json:"ConsecutiveSuccesses"`
	ConnectionAttempts   int       `json:"ConnectionAttempts"`
}

// Client manages the Modbus TCP session to the breaker controller.
type Client struct {
	mux     *sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	config  Config
	session Session
}

// New returns a Client configured from the JSON file at configPath.
func New(configPath string) (*Client, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	config := Config{}
	if err := json.Unmarshal(jsonConfig, &config); err != nil {
		return nil, err
	}
	return NewFromConfig(config)
}

// NewFromConfig returns a Client for a validated Config.
func NewFromConfig(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%v:%v", config.Addr, config.Port))
	handler.Timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	handler.SlaveId = config.SlaveID

	return &Client{
		mux:     &sync.Mutex{},
		handler: handler,
		client:  modbus.NewClient(handler),
		config:  config,
	}, nil
}

// Timeout returns the per-call protocol timeout.
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.config.TimeoutMs) * time.Millisecond
}

// Connect establishes the TCP session.
func (c *Client) Connect() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	c.session.ConnectionAttempts++
	if err := c.handler.Connect(); err != nil {
		c.session.Connected = false
		return classify(err)
	}
	c.session.Connected = true
	return nil
}

// ReadBreakerPosition reads the reported breaker position from the discrete
// input. On a failed read one immediate reconnect and retry is attempted;
// further retries belong to the caller's schedule.
func (c *Client) ReadBreakerPosition() (bool, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if !c.session.Connected {
		if err := c.connectLocked(); err != nil {
			c.recordFailure()
			return false, err
		}
	}

	closed, err := c.readPosition()
	if err != nil {
		c.handler.Close()
		c.session.Connected = false
		if err = c.connectLocked(); err == nil {
			closed, err = c.readPosition()
		}
	}

	if err != nil {
		c.recordFailure()
		return false, err
	}
	c.recordSuccess()
	return closed, nil
}

func (c *Client) readPosition() (bool, error) {
	results, err := c.client.ReadDiscreteInputs(c.config.PositionInput, 1)
	if err != nil {
		return false, classify(err)
	}
	if len(results) < 1 {
		return false, fmt.Errorf("%w: empty discrete input response", ErrUnavailable)
	}
	return results[0]&0x01 == 0x01, nil
}

// WriteBreakerCommand writes the breaker command coil. 0xFF00 commands the
// breaker closed per the Modbus coil convention.
func (c *Client) WriteBreakerCommand(close bool) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if !c.session.Connected {
		if err := c.connectLocked(); err != nil {
			c.recordFailure()
			return err
		}
	}

	var value uint16
	if close {
		value = 0xFF00
	}

	_, err := c.client.WriteSingleCoil(c.config.CommandCoil, value)
	if err != nil {
		c.handler.Close()
		c.session.Connected = false
		if err = c.connectLocked(); err == nil {
			_, err = c.client.WriteSingleCoil(c.config.CommandCoil, value)
			if err != nil {
				err = classify(err)
			}
		}
	}

	if err != nil {
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return nil
}

// Session returns a copy of the current session state.
func (c *Client) Session() Session {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.session
}

// Close tears down the TCP session. The client remains usable; the next call
// re-establishes the connection.
func (c *Client) Close() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.handler.Close()
	c.session.Connected = false
}

func (c *Client) recordSuccess() {
	c.session.LastSuccessAt = time.Now()
	c.session.ConsecutiveSuccesses++
	c.session.ConsecutiveFailures = 0
}

func (c *Client) recordFailure() {
	c.session.ConsecutiveFailures++
	c.session.ConsecutiveSuccesses = 0
}

// classify maps transport errors onto the protocol error taxonomy.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
