package conn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/slice"
	mapset "github.com/deckarep/golang-set"
	"github.com/go-ble/ble"
	"github.com/pkg/errors"

	"github.com/lgc2333/ble-hrs-server/pkg/hrs"
)

// Device is one peripheral discovered during a scan.
type Device struct {
	Addr string
	Name string
	RSSI int
}

type scanFunc func(ctx context.Context, h ble.AdvHandler) error

// Scan listens for advertisements for the given duration and returns the
// peripherals advertising the Heart Rate Service, strongest signal first.
func Scan(ctx context.Context, d time.Duration) ([]Device, error) {
	if err := setupDefaultDevice(); err != nil {
		return nil, err
	}
	return collectDevices(ctx, d, func(ctx context.Context, h ble.AdvHandler) error {
		return ble.Scan(ctx, true, h, nil)
	})
}

func collectDevices(ctx context.Context, d time.Duration, scan scanFunc) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	// Peripherals advertise repeatedly during the window; keep the first
	// sighting of each address.
	seen := mapset.NewSet()
	var mu sync.Mutex
	var found []Device
	err := scan(ctx, func(a ble.Advertisement) {
		if !advertisesHeartRate(a) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if !seen.Add(strings.ToUpper(a.Addr().String())) {
			return
		}
		found = append(found, Device{Addr: a.Addr().String(), Name: a.LocalName(), RSSI: a.RSSI()})
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, errors.Wrap(err, "scan")
	}
	slice.Sort(found, func(i, j int) bool { return found[i].RSSI > found[j].RSSI })
	return found, nil
}

func advertisesHeartRate(a ble.Advertisement) bool {
	for _, u := range a.Services() {
		if uuidEqualStr(u, hrs.ServiceUUID) {
			return true
		}
	}
	return false
}
