// Package internal provides fake transport implementations shared by
// tests in the packages above the connection layer.
package internal

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/lgc2333/ble-hrs-server/pkg/conn"
	"github.com/lgc2333/ble-hrs-server/pkg/hrs"
)

// DummyChar is a characteristic with a fixed UUID.
type DummyChar struct {
	ID string
}

func (c DummyChar) UUID() string { return c.ID }

// DummyClient is an in-memory peripheral. Frames pushed with Push are
// delivered to the notification handler; Drop simulates link loss.
type DummyClient struct {
	ConnectErr  error
	MissingChar bool

	mu           sync.Mutex
	connected    bool
	notify       func([]byte)
	onDisconnect func()
}

func (c *DummyClient) Connect(ctx context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *DummyClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.notify = nil
	c.mu.Unlock()
	return nil
}

func (c *DummyClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *DummyClient) Characteristic(uuid string) (conn.Characteristic, bool) {
	if c.MissingChar {
		return nil, false
	}
	if uuid != hrs.MeasurementUUID {
		return nil, false
	}
	return DummyChar{ID: uuid}, true
}

func (c *DummyClient) Subscribe(_ conn.Characteristic, h func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.notify = h
	return nil
}

// Push delivers a measurement frame as if the peripheral notified it.
func (c *DummyClient) Push(frame []byte) {
	c.mu.Lock()
	h := c.notify
	c.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

// Drop simulates the link going down.
func (c *DummyClient) Drop() {
	c.mu.Lock()
	c.connected = false
	c.notify = nil
	cb := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// DummyDialer hands out DummyClients and records them for inspection.
type DummyDialer struct {
	ConnectErr  error
	MissingChar bool

	mu      sync.Mutex
	clients []*DummyClient
}

func (d *DummyDialer) NewClient(addr string, onDisconnect func()) (conn.Client, error) {
	c := &DummyClient{ConnectErr: d.ConnectErr, MissingChar: d.MissingChar, onDisconnect: onDisconnect}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Last returns the most recently dialed client, or nil.
func (d *DummyDialer) Last() *DummyClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}
