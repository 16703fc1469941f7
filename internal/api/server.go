package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"zigpan/internal/coordinator"
	"zigpan/internal/nwk"
	"zigpan/internal/registry"
)

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS checks and
// WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// Server is the HTTP face of the coordinator: a JSON API plus a
// WebSocket event stream.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is the wire form of a device table entry. Link keys never
// appear in it.
type DeviceView struct {
	IEEE         string    `json:"ieee"`
	Short        string    `json:"short"`
	Type         string    `json:"type"`
	State        string    `json:"state"`
	RxOnWhenIdle bool      `json:"rx_on_when_idle"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

func deviceView(d registry.Device) DeviceView {
	return DeviceView{
		IEEE:         d.IEEE.String(),
		Short:        d.Short.String(),
		Type:         d.Type.String(),
		State:        d.State.String(),
		RxOnWhenIdle: d.Capabilities.RxOnWhenIdle,
		JoinedAt:     d.JoinedAt,
		LastSeen:     d.LastSeen,
	}
}

// NetworkView is the wire form of the network identity.
type NetworkView struct {
	Channel       uint16 `json:"channel"`
	PANID         string `json:"pan_id"`
	ExtendedPANID string `json:"ext_pan_id"`
	Coordinator   string `json:"coordinator"`
	UpdateID      uint8  `json:"update_id"`
	DeviceCount   int    `json:"device_count"`
	PermitSeconds int    `json:"permit_seconds"`
}

func networkView(n nwk.Network, devices int, permit time.Duration) NetworkView {
	return NetworkView{
		Channel:       n.Channel,
		PANID:         n.PANID.String(),
		ExtendedPANID: n.ExtendedPANID.String(),
		Coordinator:   n.Coordinator.String(),
		UpdateID:      n.UpdateID,
		DeviceCount:   devices,
		PermitSeconds: int(permit / time.Second),
	}
}

// RouteView is the wire form of a routing table entry.
type RouteView struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Status      string    `json:"status"`
	Cost        uint8     `json:"cost"`
	LastUsed    time.Time `json:"last_used"`
}

func routeView(rt registry.RouteEntry) RouteView {
	return RouteView{
		Destination: rt.Dest.String(),
		NextHop:     rt.NextHop.String(),
		Status:      rt.Status.String(),
		Cost:        rt.Cost,
		LastUsed:    rt.LastUsed,
	}
}

// NewServer creates the API server and starts its event hub.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every coordinator event goes out on the WebSocket stream.
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleRemoveDevice)
	s.mux.HandleFunc("POST /api/devices/{ieee}/command", s.handleSendCommand)
	s.mux.HandleFunc("GET /api/network", s.handleNetworkInfo)
	s.mux.HandleFunc("GET /api/network/routes", s.handleRoutes)
	s.mux.HandleFunc("POST /api/network/permit-join", s.handlePermitJoin)
	s.mux.HandleFunc("POST /api/network/rotate-key", s.handleRotateKey)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			// Browsers cannot set custom headers on a WebSocket upgrade,
			// so the event stream passes the key as a query parameter.
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
