/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"context"
	"net/http"
)

type contextKey int

const (
	odataContextKey contextKey = iota
)

// WithODataContext is a middleware which records the request path as the
// @odata.context of resources written for the request. It must run before
// any path rewriting.
func WithODataContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ctx := context.WithValue(req.Context(), odataContextKey, req.URL.Path)
		next.ServeHTTP(rw, req.WithContext(ctx))
	})
}

func odataContext(req *http.Request) string {
	if path, ok := req.Context().Value(odataContextKey).(string); ok {
		return path
	}
	return req.URL.Path
}
