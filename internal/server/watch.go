package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Watch message types
const (
	MessageValue  = "value"
	MessageClosed = "closed"
)

// WatchMessage is sent to a watch client on connect and after every change.
type WatchMessage struct {
	Type      string      `json:"type"`
	Session   string      `json:"session"`
	Reference string      `json:"reference"`
	Method    string      `json:"method"`
	ParamKey  string      `json:"param_key"`
	Loading   bool        `json:"loading"`
	Value     interface{} `json:"value,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// watchHandler upgrades to a websocket that observes one read for as long as
// the connection stays open.
func (s *HTTPServer) watchHandler(w http.ResponseWriter, r *http.Request) {
	st, method, params, ok := s.resolveCall(w, r)
	if !ok {
		return
	}

	obs, err := st.Observe(method, params)
	if err != nil {
		s.writeError(w, statusFor(err), "Watch failed", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Release()
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	s.sessions.Add(1)
	s.watchers.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.watchers.Add(-1)
		s.serveWatch(conn, st.Reference(), obs)
	}()
}

func (s *HTTPServer) serveWatch(conn *websocket.Conn, reference string, obs *store.Observation) {
	session := utils.GenerateID()
	logger := s.logger.WithFields(logrus.Fields{
		"session":   session,
		"reference": reference,
		"method":    obs.Method(),
	})
	logger.Debug("Watch session opened")

	defer func() {
		obs.Release()
		conn.Close()
		logger.Debug("Watch session closed")
	}()

	// The read side only handles control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msgType string) error {
		value, loaded := obs.Value()
		msg := WatchMessage{
			Type:      msgType,
			Session:   session,
			Reference: reference,
			Method:    obs.Method(),
			ParamKey:  obs.ParamKey(),
			Loading:   !loaded,
			Timestamp: time.Now(),
		}
		if loaded {
			msg.Value = abis.JSONValue(value)
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := send(MessageValue); err != nil {
		logger.WithError(err).Debug("Failed to send initial value")
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case _, open := <-obs.Changes():
			if !open {
				send(MessageClosed)
				return
			}
			if err := send(MessageValue); err != nil {
				logger.WithError(err).Debug("Failed to send value")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
