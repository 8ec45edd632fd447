// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/userop"
)

const resultOK = "ok"

func registerDebugMethods(s *rpcServer, b *Backend) {
	s.register("debug_bundler_clearState", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		b.Pool.Clear()
		b.Reputation.Clear()
		return resultOK, nil
	})

	s.register("debug_bundler_clearMempool", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		b.Pool.Clear()
		return resultOK, nil
	})

	s.register("debug_bundler_clearReputation", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		b.Reputation.Clear()
		return resultOK, nil
	})

	s.register("debug_bundler_dumpMempool", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		ops := b.Pool.Dump()
		out := make([]*userop.Wire, 0, len(ops))
		for _, op := range ops {
			out = append(out, userop.ToWire(op))
		}
		return out, nil
	})

	s.register("debug_bundler_setReputation", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var entries []reputation.Entry
		if err := parseParams(params, 1, &entries); err != nil {
			return nil, err
		}
		b.Reputation.Set(entries)
		return resultOK, nil
	})

	s.register("debug_bundler_dumpReputation", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return b.Reputation.Dump(), nil
	})

	s.register("debug_bundler_setBundlingMode", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var mode string
		if err := parseParams(params, 1, &mode); err != nil {
			return nil, err
		}
		if err := b.Executor.SetBundlingMode(mode); err != nil {
			return nil, rpcerr.InvalidParams("%s", err)
		}
		return resultOK, nil
	})

	s.register("debug_bundler_setBundleInterval", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var interval int64
		maxPoolSize := 100
		if err := parseParams(params, 1, &interval, &maxPoolSize); err != nil {
			return nil, err
		}
		b.Executor.SetAutoBundler(time.Duration(interval)*time.Second, maxPoolSize)
		return resultOK, nil
	})

	s.register("debug_bundler_sendBundleNow", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		result, err := b.Executor.AttemptBundle(ctx, true)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return resultOK, nil
		}
		return map[string]interface{}{
			"transactionHash": result.TransactionHash,
			"userOpHashes":    result.UserOpHashes,
		}, nil
	})

	s.register("debug_bundler_getStakeStatus", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var addrStr, epStr string
		if err := parseParams(params, 2, &addrStr, &epStr); err != nil {
			return nil, err
		}
		addr, err := parseAddress(addrStr)
		if err != nil {
			return nil, err
		}
		entryPoint, err := parseAddress(epStr)
		if err != nil {
			return nil, err
		}
		if entryPoint != b.EntryPoint {
			return nil, rpcerr.InvalidParams("entryPoint %s not supported", entryPoint.Hex())
		}
		return b.Reputation.StakeStatus(ctx, addr)
	})
}
