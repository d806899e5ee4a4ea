// Package server exposes the device connection over a WebSocket relay.
// Each client gets the current link state on attach and a live feed of
// state changes and heart rate samples.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lgc2333/ble-hrs-server/pkg/conf"
	"github.com/lgc2333/ble-hrs-server/pkg/conn"
)

const writeTimeout = 5 * time.Second

// stateMsg tells a client whether the peripheral link is up.
type stateMsg struct {
	Connected bool `json:"connected"`
}

// dataMsg carries one heart rate sample. S is nil when the peripheral
// does not report sensor contact.
type dataMsg struct {
	T float64 `json:"t"`
	R uint16  `json:"r"`
	S *bool   `json:"s"`
}

// Server relays connection state and samples to WebSocket clients.
type Server struct {
	conn      *conn.Conn
	cfg       conf.Config
	log       logrus.FieldLogger
	httpSrv   *http.Server
	boundAddr string
}

// New creates a relay for the given device connection.
func New(c *conn.Conn, cfg conf.Config, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{conn: c, cfg: cfg, log: log}
}

// Run serves until ctx is cancelled. The listen address comes from the
// configuration; BoundAddr reports the resolved address once listening.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: s.cors(mux)}

	s.log.WithField("addr", s.boundAddr).Info("server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "serve")
	}
	return nil
}

// BoundAddr returns the address the server bound to. Only valid after
// Run has started listening.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.CORSOrigins) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", strings.Join(s.cfg.CORSOrigins, ", "))
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept failed")
		return
	}

	log := s.log.WithField("session", uuid.NewString())
	if !s.conn.Started() {
		ws.Close(websocket.StatusInternalError, "device connection not running")
		return
	}
	log.Info("client attached")

	msgs := make(chan interface{}, 64)
	send := func(v interface{}) {
		select {
		case msgs <- v:
		default:
			log.Warn("dropped message for slow client")
		}
	}

	// The snapshot goes on the wire queue before any subscription exists,
	// so no relayed event can precede it.
	send(stateMsg{Connected: s.conn.IsConnected()})

	offPrepared := s.conn.Prepared.Connect(func(struct{}) error {
		send(stateMsg{Connected: true})
		return nil
	})
	offLost := s.conn.ConnectionLost.Connect(func(struct{}) error {
		send(stateMsg{Connected: false})
		return nil
	})
	offData := s.conn.DataReceived.Connect(func(v conn.Sample) error {
		m := dataMsg{
			T: float64(v.At.UnixNano()) / float64(time.Second),
			R: v.Reading.HeartRate,
		}
		if contact, known := v.Reading.Contact.Known(); known {
			m.S = &contact
		}
		send(m)
		return nil
	})
	shuttingDown := make(chan struct{}, 1)
	offShutdown := s.conn.ShuttingDown.Connect(func(struct{}) error {
		select {
		case shuttingDown <- struct{}{}:
		default:
		}
		return nil
	})
	defer func() {
		offPrepared()
		offLost()
		offData()
		offShutdown()
	}()

	// Drain client reads so pings are answered and closure is noticed.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := ws.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-shuttingDown:
			ws.Close(websocket.StatusServiceRestart, "device connection shutting down")
			log.Info("client detached")
			return
		case <-readClosed:
			log.Info("client detached")
			return
		case v := <-msgs:
			ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			err := wsjson.Write(ctx, ws, v)
			cancel()
			if err != nil {
				log.WithError(err).Debug("write failed")
				return
			}
		}
	}
}
