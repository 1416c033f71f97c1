/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config defines a Server's configuration settings.
type Config struct {
	ListenAddr string

	WithMetrics       bool
	MetricsListenAddr string

	Logger     logrus.FieldLogger
	RequestLog bool

	Metrics prometheus.Registerer

	// JWTSecret is the HS256 secret used to verify bearer tokens. When empty,
	// the X-User-Id request header is trusted instead.
	JWTSecret string

	// StorePath is the directory of the livestream session database. When
	// empty, sessions are kept in memory only.
	StorePath string

	SweepInterval     time.Duration
	EngineCallTimeout time.Duration

	ICEServers               []string
	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16
	ICELite                  bool

	// ICETCPListenAddr enables ICE-TCP candidates on a shared listener at
	// this address.
	ICETCPListenAddr string
}
