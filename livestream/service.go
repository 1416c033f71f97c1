/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package livestream

import (
	_ "stash.kopano.io/kwm/kwmlivestream" // Import to ensure correct path.

	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sessions"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sfu"
)

// Service is an interface for services providing information about activity.
type Service interface {
	NumActive() uint64
}

// Services is a defined collection of the services behind the livestream
// control plane.
type Services struct {
	Auth     *auth.Authenticator
	Registry *sfu.Registry
	Sessions *sessions.Manager
}

// Services returns all services of the accociated Services which handle
// activity as iterable.
func (services *Services) Services() []Service {
	s := make([]Service, 0)

	if services.Registry != nil {
		s = append(s, services.Registry)
	}

	return s
}
