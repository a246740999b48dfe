package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"templatehumidifier/internal/config"
	"templatehumidifier/internal/humidifier"
	"templatehumidifier/internal/shadowstate"

	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Server provides HTTP API endpoints for the humidifier platform
type Server struct {
	platform *humidifier.Platform
	shadow   *shadowstate.Tracker
	readOnly bool
	logger   *zap.Logger
	server   *http.Server

	checks   map[string]HealthCheck
	checksMu sync.RWMutex
}

// NewServer creates a new API server
func NewServer(platform *humidifier.Platform, shadow *shadowstate.Tracker, cfg config.APIConfig, readOnly bool, logger *zap.Logger) *Server {
	s := &Server{
		platform: platform,
		shadow:   shadow,
		readOnly: readOnly,
		logger:   logger.Named("api"),
		checks:   make(map[string]HealthCheck),
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.buildRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// AddHealthCheck registers a dependency check reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// handleHealth reports "ok" when every registered check passes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.checksMu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()

	status := "ok"
	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	snaps := s.platform.Snapshots()
	unavailable := []string{}
	for _, snap := range snaps {
		if !snap.Available {
			unavailable = append(unavailable, snap.EntityID)
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"checks":      results,
		"entities":    len(snaps),
		"unavailable": unavailable,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health of the service and its connections"},
	{Path: "/api/humidifiers", Method: "GET", Description: "State of every humidifier"},
	{Path: "/api/humidifiers/{id}", Method: "GET", Description: "State of one humidifier (unique id, entity id or object id)"},
	{Path: "/api/humidifiers/{id}/turn_on", Method: "POST", Description: "Turn the humidifier on"},
	{Path: "/api/humidifiers/{id}/turn_off", Method: "POST", Description: "Turn the humidifier off"},
	{Path: "/api/humidifiers/{id}/set_humidity", Method: "POST", Description: "Set the target humidity, body {\"humidity\": 55}"},
	{Path: "/api/humidifiers/{id}/set_mode", Method: "POST", Description: "Set the mode, body {\"mode\": \"eco\"}"},
	{Path: "/api/humidifiers/{id}/update", Method: "POST", Description: "Re-render every template now"},
	{Path: "/api/humidifiers/{id}/shadow", Method: "GET", Description: "Template renders and commands of one humidifier"},
	{Path: "/api/shadow", Method: "GET", Description: "Template renders and commands of every humidifier"},
}

// handleSitemap lists the available endpoints, as HTML for browsers and
// plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Template Humidifier API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Template Humidifier API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Template Humidifier API\n")
		fmt.Fprintf(w, "=======================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-36s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl -X POST -d '{\"humidity\": 55}' http://localhost:8080/api/humidifiers/bedroom/set_humidity\n")
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Starting HTTP API server", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
