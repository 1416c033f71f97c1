/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "stash.kopano.io/kwm/kwmlivestream/config"
	"stash.kopano.io/kwm/kwmlivestream/livestream/server"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sfu"
)

const defaultListenAddr = "127.0.0.1:8780"

var (
	detectDeadlocks = true
)

func commandServe() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve [...args]",
		Short: "Start server and listen for requests",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("listen", "", fmt.Sprintf("TCP listen address (default \"%s\")", defaultListenAddr))
	serveCmd.Flags().String("jwt-secret", "", "HS256 secret to verify bearer tokens, the X-User-Id header is trusted if not set (env KWMLIVESTREAMD_JWT_SECRET)")
	serveCmd.Flags().String("store-path", "", "Directory of the livestream session database, sessions are kept in memory if not set")
	serveCmd.Flags().Duration("sweep-interval", sfu.DefaultSweepInterval, "Interval in which closed transports are removed")
	serveCmd.Flags().Duration("engine-call-timeout", sfu.DefaultCallTimeout, "Deadline of every call to the media engine")
	serveCmd.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	serveCmd.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info or debug)")
	serveCmd.Flags().Bool("log-requests", false, "Log every HTTP request at debug level")
	serveCmd.Flags().Bool("with-pprof", false, "With pprof enabled")
	serveCmd.Flags().String("pprof-listen", "127.0.0.1:6060", "TCP listen address for pprof")
	serveCmd.Flags().Bool("with-metrics", false, "Enable metrics")
	serveCmd.Flags().String("metrics-listen", "127.0.0.1:6780", "TCP listen address for metrics")
	serveCmd.Flags().StringArray("ice-server", nil, "STUN or TURN server URL handed to the media engine, can be given multiple times")
	serveCmd.Flags().StringArray("use-ice-if", nil, "Interface to use when gathering ICE candidates, all interfaces will be used if not set")
	serveCmd.Flags().StringArray("use-ice-network-type", nil, "ICE network type supported when gathering candidates, if not set all types (udp4, udp6, tcp4, tcp6) are enabled")
	serveCmd.Flags().String("use-ice-udp-port-range", "", "Range of ephemeral ports that ICE UDP connections can allocate from in format min:max, if not set its not limited")
	serveCmd.Flags().String("use-ice-tcp-listen", "", "TCP listen address for ICE-TCP candidates, ICE-TCP is disabled if not set")
	serveCmd.Flags().Bool("use-ice-lite", true, "Run the media engine as ICE lite agent")
	serveCmd.Flags().BoolVar(&detectDeadlocks, "with-deadlock-detector", detectDeadlocks, "Enable deadlock detection")

	return serveCmd
}

func parsePortRange(value string) ([2]uint16, error) {
	minMax := strings.SplitN(value, ":", 2)
	portRange := [2]uint16{10000, ^uint16(0)}
	if minMax[0] != "" {
		minPort, err := strconv.ParseUint(minMax[0], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid min port value: %w", err)
		}
		portRange[0] = uint16(minPort)
	}
	if len(minMax) > 1 && minMax[1] != "" {
		maxPort, err := strconv.ParseUint(minMax[1], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid max port value: %w", err)
		}
		if maxPort <= uint64(portRange[0]) {
			return portRange, fmt.Errorf("max port value must be higher than min port %d", portRange[0])
		}
		portRange[1] = uint16(maxPort)
	}
	return portRange, nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	logTimestamp, _ := cmd.Flags().GetBool("log-timestamp")
	logLevel, _ := cmd.Flags().GetString("log-level")

	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %v", err)
	}
	logger.Infoln("serve start")

	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}

	config := &cfg.Config{
		Logger: logger,
	}
	config.RequestLog, _ = cmd.Flags().GetBool("log-requests")

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = os.Getenv("KWMLIVESTREAMD_LISTEN")
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	config.ListenAddr = listenAddr

	config.JWTSecret, _ = cmd.Flags().GetString("jwt-secret")
	if config.JWTSecret == "" {
		config.JWTSecret = os.Getenv("KWMLIVESTREAMD_JWT_SECRET")
	}
	config.StorePath, _ = cmd.Flags().GetString("store-path")
	config.SweepInterval, _ = cmd.Flags().GetDuration("sweep-interval")
	config.EngineCallTimeout, _ = cmd.Flags().GetDuration("engine-call-timeout")
	if config.SweepInterval <= 0 || config.EngineCallTimeout <= 0 {
		return fmt.Errorf("sweep-interval and engine-call-timeout must be positive")
	}

	if ICEServerStrings, _ := cmd.Flags().GetStringArray("ice-server"); ICEServerStrings != nil {
		config.ICEServers = ICEServerStrings
	}
	if ICEInterfaceStrings, _ := cmd.Flags().GetStringArray("use-ice-if"); ICEInterfaceStrings != nil {
		config.ICEInterfaces = ICEInterfaceStrings
		logger.WithField("interfaces", config.ICEInterfaces).Infoln("limiting ICE interfaces")
	}
	if ICENetworkTypeStrings, _ := cmd.Flags().GetStringArray("use-ice-network-type"); ICENetworkTypeStrings != nil {
		config.ICENetworkTypes = ICENetworkTypeStrings
		logger.WithField("types", config.ICENetworkTypes).Infoln("limiting ICE network types")
	}
	if ICEEphemeralUDPPortRangeString, _ := cmd.Flags().GetString("use-ice-udp-port-range"); ICEEphemeralUDPPortRangeString != "" {
		config.ICEEphemeralUDPPortRange, err = parsePortRange(ICEEphemeralUDPPortRangeString)
		if err != nil {
			return fmt.Errorf("invalid use-ice-udp-port-range: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Infoln("limiting ICE port range")
	}
	config.ICETCPListenAddr, _ = cmd.Flags().GetString("use-ice-tcp-listen")
	config.ICELite, _ = cmd.Flags().GetBool("use-ice-lite")

	// Metrics support.
	config.WithMetrics, _ = cmd.Flags().GetBool("with-metrics")
	metricsListenAddr, _ := cmd.Flags().GetString("metrics-listen")
	if config.WithMetrics && metricsListenAddr != "" {
		reg := prometheus.NewPedanticRegistry()
		config.Metrics = prometheus.WrapRegistererWithPrefix("kwmlivestreamd_", reg)
		// Add the standard process and Go metrics to the custom registry.
		reg.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
		go func() {
			metricsListen := metricsListenAddr
			handler := http.NewServeMux()
			logger.WithField("listenAddr", metricsListen).Infoln("metrics enabled, starting listener")
			handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(metricsListen, handler)
			if err != nil {
				logger.WithError(err).Errorln("unable to start metrics listener")
			}
		}()
	}

	srv, err := server.NewServer(config)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	// Profiling support.
	withPprof, _ := cmd.Flags().GetBool("with-pprof")
	pprofListenAddr, _ := cmd.Flags().GetString("pprof-listen")
	if withPprof && pprofListenAddr != "" {
		runtime.SetMutexProfileFraction(5)
		go func() {
			pprofListen := pprofListenAddr
			logger.WithField("listenAddr", pprofListen).Infoln("pprof enabled, starting listener")
			err := http.ListenAndServe(pprofListen, nil)
			if err != nil {
				logger.WithError(err).Errorln("unable to start pprof listener")
			}
		}()
	}

	logger.Infoln("serve started")
	return srv.Serve(ctx)
}
