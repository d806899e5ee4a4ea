package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lgc2333/ble-hrs-server/pkg/conf"
	"github.com/lgc2333/ble-hrs-server/pkg/conn"
	"github.com/lgc2333/ble-hrs-server/pkg/server"
)

func main() {
	cfgPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := conf.Load(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c *conn.Conn
	addr := cfg.LastDeviceAddr
	if addr != "" {
		log.WithField("device", addr).Info("trying last known device")
		c, err = attach(ctx, addr, cfg, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("last known device unavailable")
			c = nil
		}
	}
	if c == nil {
		addr, err = chooseDevice(ctx, cfg, log)
		if err != nil {
			log.WithError(err).Fatal("device discovery")
		}
		c, err = attach(ctx, addr, cfg, log)
		if err != nil {
			log.WithError(err).Fatal("connect")
		}
	}

	cfg.LastDeviceAddr = addr
	if err := cfg.Save(*cfgPath); err != nil {
		log.WithError(err).Warn("save configuration")
	}

	srv := server.New(c, cfg, log)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("server")
			stop()
		}
	}()

	fatal := make(chan error, 1)
	go func() { fatal <- c.Wait() }()

	select {
	case <-ctx.Done():
		log.Info("interrupt received")
	case err := <-fatal:
		if err != nil {
			log.WithError(err).Error("device connection failed")
		}
	}
	c.Shutdown()
}

// attach starts a connection to addr and blocks until the first attempt
// resolves. A first-attempt failure tears the connection down so the
// caller can fall back to discovery; later failures are retried inside
// the connection itself.
func attach(ctx context.Context, addr string, cfg conf.Config, log logrus.FieldLogger) (*conn.Conn, error) {
	c := conn.New(addr, conn.WithRetryInterval(cfg.RetryInterval()))
	logStates(c, log.WithField("device", addr))

	prepared := make(chan struct{}, 1)
	failed := make(chan error, 1)
	offPrepared := c.Prepared.Connect(func(struct{}) error {
		select {
		case prepared <- struct{}{}:
		default:
		}
		return nil
	})
	offFailed := c.ConnectFailed.Connect(func(err error) error {
		select {
		case failed <- err:
		default:
		}
		return nil
	})
	defer offPrepared()
	defer offFailed()

	if err := c.Start(); err != nil {
		return nil, err
	}
	fatal := make(chan error, 1)
	go func() { fatal <- c.Wait() }()

	select {
	case <-prepared:
		return c, nil
	case err := <-failed:
		c.Shutdown()
		return nil, err
	case err := <-fatal:
		return nil, err
	case <-ctx.Done():
		c.Shutdown()
		return nil, ctx.Err()
	}
}

// chooseDevice scans for heart rate monitors and picks one, prompting
// the user when more than one is in range.
func chooseDevice(ctx context.Context, cfg conf.Config, log logrus.FieldLogger) (string, error) {
	log.Info("scanning for heart rate monitors")
	devices, err := conn.Scan(ctx, cfg.DiscoverDelay())
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", errors.New("no heart rate monitors found")
	}
	if len(devices) == 1 {
		d := devices[0]
		log.WithFields(logrus.Fields{"device": d.Addr, "name": d.Name}).Info("found one device")
		return d.Addr, nil
	}

	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Printf("%2d. %-20s %s (rssi %d)\n", i+1, d.Addr, name, d.RSSI)
	}
	rl, err := readline.New("select device> ")
	if err != nil {
		return "", err
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 1 || n > len(devices) {
			fmt.Printf("enter a number between 1 and %d\n", len(devices))
			continue
		}
		return devices[n-1].Addr, nil
	}
}

func logStates(c *conn.Conn, log logrus.FieldLogger) {
	c.Connecting.Connect(func(struct{}) error {
		log.Info("connecting")
		return nil
	})
	c.ConnectFailed.Connect(func(err error) error {
		log.WithError(err).Warn("connect failed, retrying")
		return nil
	})
	c.Connected.Connect(func(struct{}) error {
		log.Info("connected")
		return nil
	})
	c.Prepared.Connect(func(struct{}) error {
		log.Info("receiving measurements")
		return nil
	})
	c.ConnectionLost.Connect(func(struct{}) error {
		log.Warn("connection lost")
		return nil
	})
	c.ShuttingDown.Connect(func(struct{}) error {
		log.Info("shutting down")
		return nil
	})
}
