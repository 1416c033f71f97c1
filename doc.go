/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package kwmlivestream provides the livestream transport negotiation
// service: a control plane which creates and tracks WebRTC SFU transports,
// producers and consumers on behalf of authenticated users.
package kwmlivestream // import "stash.kopano.io/kwm/kwmlivestream"
