// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package api exposes the bundler over HTTP: the ERC-4337 JSON-RPC surface
// on POST /rpc, the debug namespace, a health probe and the embedded API
// document.
package api

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/phamhongphuc1999/bundler/api/doc"
	"github.com/phamhongphuc1999/bundler/executor"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/validation"
)

var logger = log.WithContext("pkg", "api")

// Options tune the HTTP layer.
type Options struct {
	AllowedOrigins  string
	EnableReqLogger bool
	EnableMetrics   bool
	// DebugRPC mounts the debug_bundler_* namespace.
	DebugRPC bool
	// Unsafe is reflected in web3_clientVersion.
	Unsafe bool
	// Version is the bundler release string.
	Version string
}

// Backend bundles everything the RPC methods act on.
type Backend struct {
	Executor   *executor.Executor
	Pool       *mempool.Pool
	Reputation *reputation.Manager
	Validation *validation.Manager
	Lookup     LookupNode
	EntryPoint common.Address
	ChainID    *big.Int
}

// New assembles the router and middleware stack. The returned handler is
// ready to serve; the second value closes idle resources.
func New(backend *Backend, opts Options) http.HandlerFunc {
	origins := strings.Split(strings.TrimSpace(opts.AllowedOrigins), ",")
	for i, o := range origins {
		origins[i] = strings.ToLower(strings.TrimSpace(o))
	}

	router := mux.NewRouter()

	router.PathPrefix("/doc").Handler(
		http.StripPrefix("/doc/", http.FileServer(http.FS(doc.FS))),
	)

	rpc := newRPCServer(backend, opts)
	router.Path("/rpc").Methods(http.MethodPost).Handler(rpc)
	// some clients post to the root
	router.Path("/").Methods(http.MethodPost).Handler(rpc)

	router.Path("/health").Methods(http.MethodGet).HandlerFunc(healthHandler)

	if opts.EnableMetrics {
		router.Use(metricsHandler)
	}

	handler := handlers.CompressHandler(router)
	handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedHeaders([]string{"content-type"}),
	)(handler)

	if opts.EnableReqLogger {
		handler = RequestLoggerHandler(handler, logger)
	}

	return handler.ServeHTTP
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"healthy":true}`))
}
