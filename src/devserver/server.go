// Package devserver is a development push server implementing the chat REST
// endpoints and the websocket push channel over an in-memory store.
package devserver

import (
	"errors"
	"net"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server wires the hub, chat service, REST routes and optional Redis bridge.
type Server struct {
	cfg     config.ServerConfig
	secret  []byte
	hub     *hub.Hub
	service *service.Service
	bridge  bridge.Bridge
	app     *fiber.App
	metrics fasthttp.RequestHandler
	http    *fasthttp.Server
	logger  zerolog.Logger
}

// New builds a server. reg may be nil, in which case /metrics is not served.
func New(cfg config.ServerConfig, logger zerolog.Logger, reg *prometheus.Registry) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("devserver: jwt secret is required")
	}
	logger = logger.With().Str("component", "devserver").Logger()

	h := hub.New(logger)
	s := &Server{
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
		hub:     h,
		service: service.New(h, service.NewStore(), logger),
		logger:  logger,
	}
	s.app = s.newApp()

	if reg != nil && cfg.Metrics {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "devserver",
			Name:      "connected_clients",
			Help:      "Push channel clients connected to this instance.",
		}, func() float64 { return float64(h.ClientCount()) }))
		s.metrics = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.http = &fasthttp.Server{
		Name:    "chatsync-devserver",
		Handler: s.Handler(),
	}
	return s, nil
}

// Handler routes /ws to the websocket upgrade, /metrics to prometheus and
// everything else to the REST app.
func (s *Server) Handler() fasthttp.RequestHandler {
	rest := s.app.Handler()
	ws := s.socketHandler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			ws(ctx)
		case "/metrics":
			if s.metrics == nil {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			s.metrics(ctx)
		default:
			rest(ctx)
		}
	}
}

// Start runs the hub loop and, when enabled, the Redis bridge. An unreachable
// Redis leaves the server running standalone.
func (s *Server) Start() {
	go s.hub.Run()
	if !s.cfg.RedisEnabled {
		return
	}
	rcfg := s.cfg.Redis
	rb := bridge.NewRedisBridge(&rcfg, s.hub, s.logger)
	if err := rb.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}
	s.bridge = rb
	s.hub.SetBridge(rb)
	s.logger.Info().Str("redis_addr", rcfg.Addr).Msg("redis bridge connected")
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving")
	return s.http.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("listening")
	return s.http.ListenAndServe(s.cfg.Addr)
}

// Shutdown closes client connections, the bridge and the listener.
func (s *Server) Shutdown() error {
	s.hub.Shutdown()
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("bridge stop error")
		}
		s.bridge = nil
	}
	return s.http.Shutdown()
}

// Service exposes the chat service, e.g. for seeding history.
func (s *Server) Service() *service.Service { return s.service }
