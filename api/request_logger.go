// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/phamhongphuc1999/bundler/log"
)

// RequestLoggerHandler logs every request with its body. The body is
// re-buffered so downstream handlers can still read it.
func RequestLoggerHandler(handler http.Handler, logger log.Logger) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		var bodyBytes []byte
		var err error
		if r.Body != nil {
			bodyBytes, err = io.ReadAll(r.Body)
			if err != nil {
				logger.Warn("unexpected body read error", "err", err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		logger.Info("API Request",
			"timestamp", time.Now().Unix(),
			"URI", r.URL.String(),
			"Method", r.Method,
			"Body", string(bodyBytes),
		)

		handler.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
