// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/phamhongphuc1999/bundler/rpcerr"
)

// request body size cap; a userOp with large initCode still fits easily.
const maxRequestSize = 1 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcerr.Error   `json:"error,omitempty"`
}

type methodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// rpcServer dispatches JSON-RPC 2.0 requests, batches included, to the
// bundler methods.
type rpcServer struct {
	methods map[string]methodFunc
}

func newRPCServer(backend *Backend, opts Options) *rpcServer {
	s := &rpcServer{methods: make(map[string]methodFunc)}
	registerEthMethods(s, backend, opts)
	if opts.DebugRPC {
		registerDebugMethods(s, backend)
	}
	return s
}

func (s *rpcServer) register(name string, fn methodFunc) {
	s.methods[name] = fn
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: rpcerr.Parse("read body failed")})
		return
	}

	trimmed := firstNonSpace(body)
	if trimmed == '[' {
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: rpcerr.Parse(err.Error())})
			return
		}
		responses := make([]*rpcResponse, 0, len(batch))
		for i := range batch {
			responses = append(responses, s.handle(r.Context(), &batch[i]))
		}
		writeJSON(w, responses)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: rpcerr.Parse(err.Error())})
		return
	}
	writeJSON(w, s.handle(r.Context(), &req))
}

func (s *rpcServer) handle(ctx context.Context, req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	fn, ok := s.methods[req.Method]
	if !ok {
		resp.Error = rpcerr.MethodNotFound(req.Method)
		return resp
	}
	result, err := fn(ctx, req.Params)
	if err != nil {
		resp.Error = rpcerr.Convert(err)
		logger.Debug("rpc method failed", "method", req.Method, "code", resp.Error.Code, "err", resp.Error.Message)
		return resp
	}
	resp.Result = result
	return resp
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", "err", err)
	}
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}

// parseParams unpacks a positional params array into the given pointers.
// Trailing targets may stay unfilled; their values are left untouched.
func parseParams(params json.RawMessage, required int, targets ...interface{}) error {
	var raw []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &raw); err != nil {
			return rpcerr.InvalidParams("params must be a positional array")
		}
	}
	if len(raw) < required {
		return rpcerr.InvalidParams("expected at least %d params, got %d", required, len(raw))
	}
	for i, target := range targets {
		if i >= len(raw) {
			break
		}
		if err := json.Unmarshal(raw[i], target); err != nil {
			return rpcerr.InvalidParams("param %d: %s", i, err)
		}
	}
	return nil
}
