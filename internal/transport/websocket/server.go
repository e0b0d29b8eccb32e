// Package websocket provides the live tracking feed for foodrelay.
//
// Clients open a WebSocket connection to:
//
//	GET /ws                    every event the caller is a party to
//	GET /ws?donation={id}      every event of one donation
//
// The caller is taken from the X-User-Id header. Browsers cannot set headers
// on an upgrade, so with QueryIdentity set the "user" query parameter is read
// when the header is absent; the gateway must then set or strip that
// parameter the same way it does the header. Admins without a donation
// filter receive every event.
//
// Server → client frame:
//
//	{"type":"event","event":{...}}
//
// The server sends a WebSocket ping every PingInterval. Clients need not send
// anything; any frame they do send is read and discarded.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/types"
)

const (
	defaultBuffer       = 64
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. A request is
	// same-origin when its Origin host matches the Host header. Requests
	// without an Origin header (native clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the live event feed.
type Handler struct {
	Coordinator *coordinator.Coordinator
	Bus         *events.Bus
	// Buffer is the per-connection event buffer. Events beyond it are dropped
	// for this connection only.
	Buffer int
	// PingInterval defaults to 30s.
	PingInterval time.Duration
	// WriteError renders errors raised before the upgrade.
	WriteError func(http.ResponseWriter, error)
	// QueryIdentity accepts ?user= in place of X-User-Id. The gateway in
	// front of the server must own that parameter.
	QueryIdentity bool
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type  string       `json:"type"` // "event"
	Event *types.Event `json:"event"`
}

// ServeHTTP authorises the caller, upgrades the connection and streams events
// until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := h.filterFor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	buffer := h.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	// Subscribe before the handshake completes so no event that happens
	// after the client sees 101 is missed.
	sub := h.Bus.Subscribe(filter, buffer)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	// A client that misses two pings in a row is gone. This also replaces the
	// server's ReadTimeout deadline, which outlives the hijack.
	pongWait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-gone:
			return

		case e, ok := <-sub.Events():
			if !ok {
				// Bus closed during shutdown.
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(serverFrame{Type: "event", Event: &e})
			if err != nil {
				slog.Warn("ws marshal failed", "event", e.ID, "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// filterFor decides which events the caller may watch.
func (h *Handler) filterFor(r *http.Request) (events.Filter, error) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" && h.QueryIdentity {
		userID = strings.TrimSpace(r.URL.Query().Get("user"))
	}

	if donationID := r.URL.Query().Get("donation"); donationID != "" {
		if err := h.Coordinator.CanView(r.Context(), userID, donationID); err != nil {
			return nil, err
		}
		return events.ForDonation(donationID), nil
	}

	admin, err := h.Coordinator.IsAdmin(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	if admin {
		return nil, nil
	}
	return events.ForParty(userID), nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if h.WriteError != nil {
		h.WriteError(w, err)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
