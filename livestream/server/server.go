/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/longsleep/go-metrics/loggedwriter"
	"github.com/longsleep/go-metrics/timing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmlivestream/config"
	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/engine/ortc"
	"stash.kopano.io/kwm/kwmlivestream/livestream"
	apiv0 "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0/service"
	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sessions"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sfu"
)

// Server is our HTTP server implementation.
type Server struct {
	mutex deadlock.RWMutex

	config *cfg.Config

	listenAddr string
	logger     logrus.FieldLogger

	requestLog     bool
	requestCounter *prometheus.CounterVec

	engineFactory engine.Factory

	healthChecks []func() error
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *cfg.Config) (*Server, error) {
	s := &Server{
		config: c,

		listenAddr: c.ListenAddr,
		logger:     c.Logger,

		requestLog: c.RequestLog,

		engineFactory: ortc.NewFactory(&ortc.Config{
			Logger: c.Logger,

			ICEServers:               c.ICEServers,
			ICEInterfaces:            c.ICEInterfaces,
			ICENetworkTypes:          c.ICENetworkTypes,
			ICEEphemeralUDPPortRange: c.ICEEphemeralUDPPortRange,
			ICELite:                  c.ICELite,
			ICETCPListenAddr:         c.ICETCPListenAddr,
		}),
	}

	if c.Metrics != nil {
		s.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status",
		}, []string{"method", "status"})
		c.Metrics.MustRegister(s.requestCounter)
	}

	return s, nil
}

// WithMetrics adds metrics logging to the provided http.Handler. When the
// handler is done, the context is canceled, logging metrics.
func (s *Server) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		// Create per request cancel context.
		ctx, cancel := context.WithCancel(req.Context())

		loggedWriter := metrics.NewLoggedResponseWriter(rw)
		// Create per request context.
		ctx = timing.NewContext(ctx, func(duration time.Duration) {
			durationMs := float64(duration) / float64(time.Millisecond)
			if s.requestCounter != nil {
				s.requestCounter.WithLabelValues(req.Method, strconv.Itoa(loggedWriter.Status())).Inc()
			}
			if !s.requestLog {
				return
			}
			s.logger.WithFields(logrus.Fields{
				"status":     loggedWriter.Status(),
				"method":     req.Method,
				"path":       req.URL.Path,
				"remote":     req.RemoteAddr,
				"duration":   durationMs,
				"referer":    req.Referer(),
				"user-agent": req.UserAgent(),
				"origin":     req.Header.Get("Origin"),
			}).Debug("HTTP request complete")
		})
		rw = loggedWriter

		// Run the request.
		next.ServeHTTP(rw, req.WithContext(ctx))

		// Cancel per request context when done.
		cancel()
	})
}

// AddContext adds the accociated server's context to the provided http.Hander
// request.
func (s *Server) AddContext(parent context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(rw, req.WithContext(parent))
	})
}

// AddRoutes add the accociated Servers URL routes to the provided router with
// the provided context.Context.
func (s *Server) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	router.Handle("/health-check", chain.ThenFunc(s.HealthCheckHandler))

	return router
}

// NewServices creates the services of the livestream control plane. The
// returned function releases their resources.
func (s *Server) NewServices(ctx context.Context) (*livestream.Services, func(), error) {
	store, err := sessions.OpenStore(s.logger, s.config.StorePath)
	if err != nil {
		return nil, nil, err
	}

	registry, err := sfu.NewRegistry(&sfu.Options{
		Logger:  s.logger,
		Metrics: s.config.Metrics,
		Factory: s.engineFactory,

		SweepInterval: s.config.SweepInterval,
		CallTimeout:   s.config.EngineCallTimeout,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create transport registry: %w", err)
	}

	s.mutex.Lock()
	s.healthChecks = append(s.healthChecks, store.Check)
	s.mutex.Unlock()

	services := &livestream.Services{
		Auth:     auth.New(s.logger, s.config.JWTSecret),
		Registry: registry,
		Sessions: sessions.NewManager(s.logger, store),
	}

	return services, func() {
		if closeErr := registry.Close(); closeErr != nil {
			s.logger.WithError(closeErr).Warnln("failed to close transport registry")
		}
		if closeErr := store.Close(); closeErr != nil {
			s.logger.WithError(closeErr).Warnln("failed to close session store")
		}
	}, nil
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs. Returns error and gracefully stops
// all HTTP listeners before return.
func (s *Server) Serve(ctx context.Context) error {
	var err error

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := s.logger

	services, closeServices, err := s.NewServices(serveCtx)
	if err != nil {
		return err
	}
	defer closeServices()

	// HTTP services.
	router := mux.NewRouter()
	commonHandlers := alice.New()
	if s.requestLog || s.requestCounter != nil {
		commonHandlers = commonHandlers.Append(s.WithMetrics)
	}

	// Basic routes provided by server.
	s.AddRoutes(ctx, router, commonHandlers)

	apiv0Service := apiv0.NewHTTPService(serveCtx, logger, services)
	apiv0Service.AddRoutes(ctx, router, commonHandlers)

	errCh := make(chan error, 2)
	exitCh := make(chan bool, 1)
	signalCh := make(chan os.Signal, 1)

	// HTTP listener.
	logger.WithField("listenAddr", s.listenAddr).Infoln("starting http listener")
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}

	wg := &sync.WaitGroup{}

	srv := &http.Server{
		Handler: s.AddContext(serveCtx, router),
	}
	wg.Add(1)
	go func() {
		defer func() {
			logger.Debugln("http listener stopped")
			wg.Done()
		}()

		serveErr := srv.Serve(listener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	wg.Add(1)
	go func() {
		defer func() {
			logger.WithField("active", apiv0Service.NumActive()).Debugln("transport registry stopped")
			wg.Done()
		}()

		if runErr := services.Registry.Run(serveCtx); runErr != nil {
			errCh <- runErr
		}
	}()

	go func() {
		wg.Wait()
		close(exitCh)
	}()

	logger.Infoln("ready to handle requests")

	// Wait for exit or error.
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err = <-errCh:
		// breaks
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal")
		// breaks
	}

	// Shutdown, server will stop to accept new connections.
	logger.Infoln("clean server shutdown start")
	shutDownCtx, shutDownCtxCancel := context.WithTimeout(ctx, 10*time.Second)
	if shutdownErr := srv.Shutdown(shutDownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("clean server shutdown failed")
	}

	// Cancel our own context, wait on managers.
	serveCtxCancel()
	func() {
		for {
			select {
			case <-exitCh:
				return
			default:
				logger.Info("waiting for services to exit")
			}

			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	shutDownCtxCancel() // prevent leak.

	return err
}
