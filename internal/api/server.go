package api

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/tapetail/tapetail/internal/logger"
	"github.com/tapetail/tapetail/internal/metrics"
)

// AgentStatusFunc returns a status snapshot for every running agent.
// The daemon wires this to the drivers; tests can stub it.
type AgentStatusFunc func() []map[string]interface{}

// Server is the ops HTTP server: health, metrics, logs and per-agent
// status. It carries no ingest or control surface.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	host   string
	port   int
	agents AgentStatusFunc
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8089,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewServer creates the ops server with Fiber
func NewServer(config *ServerConfig, agents AgentStatusFunc, log zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if agents == nil {
		agents = func() []map[string]interface{} { return nil }
	}

	app := fiber.New(fiber.Config{
		AppName:               "Tapetail Feed Agent",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	// Middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	app.Use(securityHeaders())

	// pprof profiling endpoints
	app.Use(pprof.New())

	app.Use(requestLogger(log))

	return &Server{
		app:    app,
		logger: log.With().Str("component", "api-server").Logger(),
		host:   config.Host,
		port:   config.Port,
		agents: agents,
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Readiness check (for Kubernetes)
	s.app.Get("/ready", s.readyHandler)

	// Metrics endpoint (Prometheus format)
	s.app.Get("/metrics", s.metricsHandler)

	// API v1 metrics endpoints (JSON format)
	s.app.Get("/api/v1/metrics", s.apiMetricsHandler)
	s.app.Get("/api/v1/metrics/memory", s.memoryMetricsHandler)
	s.app.Get("/api/v1/metrics/timeseries/:type", s.timeseriesMetricsHandler)

	// Application logs endpoint
	s.app.Get("/api/v1/logs", s.logsHandler)

	// Agent status endpoints
	s.app.Get("/api/v1/agents", s.agentsHandler)
	s.app.Get("/api/v1/agents/:name", s.agentHandler)
}

var startTime = time.Now()

// healthHandler returns server health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler returns server readiness status (for Kubernetes readiness
// probes). The daemon keeps serving ops traffic while the bus is down, so
// bus state is reported rather than failing the probe.
func (s *Server) readyHandler(c *fiber.Ctx) error {
	snapshot := metrics.Get().Snapshot()

	return c.JSON(fiber.Map{
		"status":        "ready",
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptime_sec":    time.Since(startTime).Seconds(),
		"bus_connected": snapshot["bus_connected"],
		"agents":        len(s.agents()),
	})
}

// metricsHandler returns metrics in Prometheus format or JSON
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()

	// Check Accept header for format preference
	accept := c.Get("Accept")
	if accept == "application/json" {
		return c.JSON(m.Snapshot())
	}

	// Default to Prometheus text format
	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// apiMetricsHandler returns all metrics in JSON format (API v1)
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	snapshot := m.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// memoryMetricsHandler returns detailed memory metrics
func (s *Server) memoryMetricsHandler(c *fiber.Ctx) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"memory": fiber.Map{
			"alloc_bytes":         memStats.Alloc,
			"total_alloc_bytes":   memStats.TotalAlloc,
			"sys_bytes":           memStats.Sys,
			"heap_alloc_bytes":    memStats.HeapAlloc,
			"heap_sys_bytes":      memStats.HeapSys,
			"heap_idle_bytes":     memStats.HeapIdle,
			"heap_inuse_bytes":    memStats.HeapInuse,
			"heap_released_bytes": memStats.HeapReleased,
			"heap_objects":        memStats.HeapObjects,
			"stack_inuse_bytes":   memStats.StackInuse,
			"stack_sys_bytes":     memStats.StackSys,
			"gc_cycles":           memStats.NumGC,
			"gc_pause_total_ns":   memStats.PauseTotalNs,
			"gc_cpu_fraction":     memStats.GCCPUFraction,
			"next_gc_bytes":       memStats.NextGC,
			"last_gc_time":        time.Unix(0, int64(memStats.LastGC)).UTC().Format(time.RFC3339),
		},
		"runtime": fiber.Map{
			"goroutines":  runtime.NumGoroutine(),
			"num_cpu":     runtime.NumCPU(),
			"gomaxprocs":  runtime.GOMAXPROCS(0),
			"go_version":  runtime.Version(),
			"go_os":       runtime.GOOS,
			"go_arch":     runtime.GOARCH,
			"uptime_secs": time.Since(startTime).Seconds(),
		},
	})
}

// timeseriesMetricsHandler returns time-series metrics data
func (s *Server) timeseriesMetricsHandler(c *fiber.Ctx) error {
	metricType := c.Params("type") // system, tailing

	durationMinutes := 30
	if dm := c.Query("duration_minutes"); dm != "" {
		if parsed, err := strconv.Atoi(dm); err == nil && parsed > 0 && parsed <= 1440 {
			durationMinutes = parsed
		}
	}

	collector := metrics.GetTimeSeriesCollector()
	var points []metrics.TimeSeriesPoint

	switch metricType {
	case "system":
		points = collector.GetSystem(durationMinutes)
	case "tailing":
		points = collector.GetTailing(durationMinutes)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "Invalid metric type",
			"valid_types": []string{"system", "tailing"},
		})
	}

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"type":             metricType,
		"duration_minutes": durationMinutes,
		"points_count":     len(points),
		"data":             points,
	})
}

// logsHandler returns recent application logs
func (s *Server) logsHandler(c *fiber.Ctx) error {
	// Parse query parameters
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	level := c.Query("level") // e.g., "error", "warn", "info", "debug"
	agent := c.Query("agent") // filter to one agent's log lines

	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	// Get logs from buffer
	buffer := logger.GetBuffer()
	entries := buffer.GetRecent(limit, level, agent, sinceMinutes)

	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"level_filter":  level,
		"agent_filter":  agent,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

// agentsHandler returns the status of every running agent
func (s *Server) agentsHandler(c *fiber.Ctx) error {
	statuses := s.agents()

	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(statuses),
		"agents":    statuses,
	})
}

// agentHandler returns the status of a single agent by name
func (s *Server) agentHandler(c *fiber.Ctx) error {
	name := c.Params("name")

	for _, status := range s.agents() {
		if agentName, ok := status["name"].(string); ok && agentName == name {
			return c.JSON(status)
		}
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": fmt.Sprintf("unknown agent: %s", name),
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().
		Str("host", s.host).
		Int("port", s.port).
		Msg("Starting ops HTTP server")

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf("%s:%d", s.host, s.port)
		if err := s.app.Listen(addr); err != nil {
			s.logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}

// GetApp returns the underlying Fiber app (for registering handler routes)
func (s *Server) GetApp() *fiber.App {
	return s.app
}

// customErrorHandler handles Fiber errors
func customErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		log.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// securityHeaders adds security headers to all responses
func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// API-only surface, nothing should load resources from it
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		return c.Next()
	}
}

// requestLogger logs failed requests. The happy path stays silent so a
// scraper polling /metrics does not fill the log buffer.
func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if status >= 400 {
			logEvent := log.Warn()
			if status >= 500 {
				logEvent = log.Error()
			}

			logEvent.
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration_ms", time.Since(start)).
				Str("ip", c.IP()).
				Msg("HTTP request error")
		}

		return err
	}
}
