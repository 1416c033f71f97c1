/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"net/http"
)

// HealthCheckHandler a http handler return 200 OK when server health is fine
// and 503 when one of the registered service checks fails.
func (s *Server) HealthCheckHandler(rw http.ResponseWriter, req *http.Request) {
	s.mutex.RLock()
	checks := s.healthChecks
	s.mutex.RUnlock()

	for _, check := range checks {
		if err := check(); err != nil {
			s.logger.WithError(err).Warnln("health check failed")
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	rw.WriteHeader(http.StatusOK)
}
