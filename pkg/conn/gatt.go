package conn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
)

// DefaultConnectTimeout bounds a single connect attempt over the real
// transport. The supervising loop retries, so a stuck attempt must not
// hold it hostage.
const DefaultConnectTimeout = 10 * time.Second

var (
	deviceMu  sync.Mutex
	deviceSet bool
)

// setupDefaultDevice opens the host's BLE adapter once and installs it as
// the package default. Failures are not sticky: a later call retries, so a
// temporarily unavailable adapter stays a transient fault.
func setupDefaultDevice() error {
	deviceMu.Lock()
	defer deviceMu.Unlock()
	if deviceSet {
		return nil
	}
	dev, err := newDevice()
	if err != nil {
		return errors.Wrap(err, "open ble device")
	}
	ble.SetDefaultDevice(dev)
	deviceSet = true
	return nil
}

// uuidEqualStr compares a peripheral-reported UUID against its canonical
// 128-bit string. Standard attributes are usually reported in the 16-bit
// short form, which maps onto bytes 2-3 of the 128-bit base layout.
func uuidEqualStr(u ble.UUID, s string) bool {
	want := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	got := strings.ToLower(u.String())
	if got == want {
		return true
	}
	return len(got) == 4 && len(want) == 32 && want[:4] == "0000" && want[4:8] == got
}

// GattDialer is the production Dialer, backed by go-ble.
type GattDialer struct {
	timeout time.Duration
}

// NewGattDialer returns a Dialer dialing over the host BLE adapter.
// timeout <= 0 selects DefaultConnectTimeout.
func NewGattDialer(timeout time.Duration) *GattDialer {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &GattDialer{timeout: timeout}
}

func (d *GattDialer) NewClient(addr string, onDisconnect func()) (Client, error) {
	if err := setupDefaultDevice(); err != nil {
		return nil, err
	}
	return &gattClient{addr: addr, timeout: d.timeout, onDisconnect: onDisconnect}, nil
}

type gattChar struct {
	char *ble.Characteristic
}

func (c gattChar) UUID() string { return c.char.UUID.String() }

type gattClient struct {
	addr         string
	timeout      time.Duration
	onDisconnect func()

	mu      sync.Mutex
	cln     ble.Client
	profile *ble.Profile
}

func (g *gattClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cln, err := ble.Dial(ctx, ble.NewAddr(g.addr))
	if err != nil {
		return errors.Wrapf(err, "dial %s", g.addr)
	}
	profile, err := cln.DiscoverProfile(true)
	if err != nil {
		cln.CancelConnection()
		return errors.Wrap(err, "discover profile")
	}
	g.mu.Lock()
	g.cln = cln
	g.profile = profile
	g.mu.Unlock()
	go func() {
		<-cln.Disconnected()
		if g.onDisconnect != nil {
			g.onDisconnect()
		}
	}()
	return nil
}

func (g *gattClient) Disconnect() error {
	g.mu.Lock()
	cln := g.cln
	g.mu.Unlock()
	if cln == nil {
		return nil
	}
	return cln.CancelConnection()
}

func (g *gattClient) IsConnected() bool {
	g.mu.Lock()
	cln := g.cln
	g.mu.Unlock()
	if cln == nil {
		return false
	}
	select {
	case <-cln.Disconnected():
		return false
	default:
		return true
	}
}

func (g *gattClient) Characteristic(uuid string) (Characteristic, bool) {
	g.mu.Lock()
	profile := g.profile
	g.mu.Unlock()
	if profile == nil {
		return nil, false
	}
	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			if uuidEqualStr(char.UUID, uuid) {
				return gattChar{char: char}, true
			}
		}
	}
	return nil, false
}

func (g *gattClient) Subscribe(ch Characteristic, h func(frame []byte)) error {
	gc, ok := ch.(gattChar)
	if !ok {
		return errors.Errorf("foreign characteristic handle %q", ch.UUID())
	}
	g.mu.Lock()
	cln := g.cln
	g.mu.Unlock()
	if cln == nil {
		return errors.New("not connected")
	}
	return errors.Wrap(cln.Subscribe(gc.char, false, ble.NotificationHandler(h)), "subscribe")
}
