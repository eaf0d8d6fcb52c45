// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminHandler serves /health and the prometheus metrics gathered by g.
func newAdminHandler(g prometheus.Gatherer, accessLog io.Writer) http.Handler {
	router := mux.NewRouter()
	router.Path("/health").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	router.Path("/prometheus").Handler(promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return handlers.RecoveryHandler()(handlers.CombinedLoggingHandler(accessLog, router))
}
