package apiserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const graduationChannelPrefix = "market.graduation."

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Service) streamInterval() time.Duration {
	if s.cfg.StreamInterval <= 0 {
		return 5 * time.Second
	}
	return s.cfg.StreamInterval
}

// handleWebsocket streams graduation snapshots for subscribed markets.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	added := make(chan string, 8)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, added, readErrCh)

	ticker := time.NewTicker(s.streamInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case channel := <-added:
			if !s.pushChannel(ctx, conn, channel) {
				return
			}
		case <-ticker.C:
			for _, channel := range subs.List() {
				if !s.pushChannel(ctx, conn, channel) {
					return
				}
			}
		}
	}
}

// pushChannel writes one event or error frame; false means the connection is gone.
func (s *Service) pushChannel(ctx context.Context, conn *websocket.Conn, channel string) bool {
	payload, err := s.websocketPayload(ctx, channel)
	if err != nil {
		s.logger.Debug("websocket channel fetch failed", "channel", channel, "err", err)
		return writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: err.Error(), TS: time.Now().Unix()}) == nil
	}
	return writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}) == nil
}

func (s *Service) websocketPayload(ctx context.Context, channel string) (any, error) {
	market := strings.TrimSpace(strings.TrimPrefix(channel, graduationChannelPrefix))
	callCtx, cancel := context.WithTimeout(ctx, s.streamInterval())
	defer cancel()
	return s.builder.Graduation(callCtx, market)
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, added chan<- string, readErrCh chan<- error) {
	conn.SetReadLimit(maxBodyBytes)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if !strings.HasPrefix(message.Channel, graduationChannelPrefix) {
			continue
		}
		switch message.Type {
		case "subscribe":
			if subs.Add(message.Channel) {
				select {
				case added <- message.Channel:
				case <-ctx.Done():
				}
			}
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

// Add reports whether channel was new.
func (s *subscriptionSet) Add(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[channel]; ok {
		return false
	}
	s.items[channel] = struct{}{}
	return true
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
