// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/phamhongphuc1999/bundler/api"
	"github.com/phamhongphuc1999/bundler/builder"
	"github.com/phamhongphuc1999/bundler/entrypoint"
	"github.com/phamhongphuc1999/bundler/ethnode"
	"github.com/phamhongphuc1999/bundler/events"
	"github.com/phamhongphuc1999/bundler/executor"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/metrics"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/validation"
)

var (
	version   string
	gitCommit string
	gitTag    string

	logger = log.WithContext("pkg", "main")
)

func fullVersion() string {
	versionMeta := "release"
	if gitTag == "" {
		versionMeta = "dev"
	}
	return fmt.Sprintf("%s-%s-%s", version, gitCommit, versionMeta)
}

func main() {
	app := cli.App{
		Version:   fullVersion(),
		Name:      "bundler",
		Usage:     "ERC-4337 account-abstraction bundler",
		Copyright: "2024 The aa-bundler developers",
		Flags: []cli.Flag{
			networkFlag,
			entryPointFlag,
			beneficiaryFlag,
			keyFileFlag,
			keyHexFlag,
			apiAddrFlag,
			apiCorsFlag,
			verbosityFlag,
			jsonLogsFlag,
			unsafeFlag,
			debugRPCFlag,
			conditionalRPCFlag,
			mergeAccountRootFlag,
			whitelistFlag,
			blacklistFlag,
			maxBundleGasFlag,
			gasFactorFlag,
			minBalanceFlag,
			minStakeFlag,
			minUnstakeDelayFlag,
			autoBundleIntervalFlag,
			autoBundleMempoolSizeFlag,
			enableAPILogsFlag,
			enableMetricsFlag,
			metricsAddrFlag,
			ntpServerFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	initLogger(ctx)
	defer func() { logger.Info("exited") }()

	if ctx.Bool(enableMetricsFlag.Name) {
		metrics.InitializePrometheusMetrics()
		startMetricsServer(ctx.String(metricsAddrFlag.Name))
	}

	entryPoint, err := parseAddressFlag(ctx, entryPointFlag)
	if err != nil {
		fatal(err)
	}
	beneficiary, err := parseAddressFlag(ctx, beneficiaryFlag)
	if err != nil {
		fatal(err)
	}
	whitelist, err := parseAddressList(ctx, whitelistFlag)
	if err != nil {
		fatal(err)
	}
	blacklist, err := parseAddressList(ctx, blacklistFlag)
	if err != nil {
		fatal(err)
	}
	minBalance, err := parseWeiFlag(ctx, minBalanceFlag)
	if err != nil {
		fatal(err)
	}
	minStake, err := parseWeiFlag(ctx, minStakeFlag)
	if err != nil {
		fatal(err)
	}
	sig, err := loadSigner(ctx)
	if err != nil {
		fatal(err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := ethnode.Dial(rootCtx, ctx.String(networkFlag.Name))
	if err != nil {
		fatal("connect to node:", err)
	}
	defer node.Close()
	chainID := node.ChainID()
	logger.Info("connected to node", "url", ctx.String(networkFlag.Name), "chainId", chainID)

	unsafeMode := ctx.Bool(unsafeFlag.Name)
	conditionalRPC := ctx.Bool(conditionalRPCFlag.Name)

	preflightCtx, preflightCancel := context.WithTimeout(rootCtx, 30*time.Second)
	if err := preflight(preflightCtx, node, entryPoint, sig.Address(), !unsafeMode, conditionalRPC); err != nil {
		preflightCancel()
		fatal("preflight failed:", err)
	}
	preflightCancel()

	ep := entrypoint.New(entryPoint, node)
	rep := reputation.New(
		reputation.BundlerParams,
		minStake,
		ctx.Uint64(minUnstakeDelayFlag.Name),
		ep,
		whitelist,
		blacklist,
	)
	pool := mempool.New(rep)
	val := validation.NewManager(node, entryPoint, unsafeMode)
	bld := builder.New(node, sig, pool, rep, val, ep, chainID, builder.Config{
		Beneficiary:        beneficiary,
		MaxBundleGas:       ctx.Uint64(maxBundleGasFlag.Name),
		MinSignerBalance:   minBalance,
		GasFactor:          ctx.Float64(gasFactorFlag.Name),
		ConditionalRPC:     conditionalRPC,
		MergeToAccountRoot: ctx.Bool(mergeAccountRootFlag.Name),
	})
	evs := events.New(node, pool, rep, entryPoint)

	exec := executor.New(pool, val, bld, evs, rep, chainID, ctx.Int(autoBundleMempoolSizeFlag.Name))
	defer exec.Close()

	if interval := ctx.Uint64(autoBundleIntervalFlag.Name); interval > 0 {
		exec.SetAutoBundler(time.Duration(interval)*time.Second, ctx.Int(autoBundleMempoolSizeFlag.Name))
	}
	exec.SetReputationCron(time.Hour)
	if ntpServer := ctx.String(ntpServerFlag.Name); ntpServer != "" {
		exec.StartClockHousekeeping(ntpServer)
	}

	if err := evs.Start(rootCtx); err != nil {
		logger.Warn("live event subscription unavailable, relying on periodic replay", "err", err)
	} else {
		defer evs.Stop()
	}

	handler := api.New(&api.Backend{
		Executor:   exec,
		Pool:       pool,
		Reputation: rep,
		Validation: val,
		Lookup:     node,
		EntryPoint: entryPoint,
		ChainID:    chainID,
	}, api.Options{
		AllowedOrigins:  ctx.String(apiCorsFlag.Name),
		EnableReqLogger: ctx.Bool(enableAPILogsFlag.Name),
		EnableMetrics:   ctx.Bool(enableMetricsFlag.Name),
		DebugRPC:        ctx.Bool(debugRPCFlag.Name),
		Unsafe:          unsafeMode,
		Version:         fullVersion(),
	})

	srv := &http.Server{Addr: ctx.String(apiAddrFlag.Name), Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server started", "addr", srv.Addr, "entryPoint", entryPoint, "unsafe", unsafeMode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case s := <-exitSignal():
		logger.Info("received exit signal", "signal", s)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func exitSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()
	logger.Info("metrics server started", "addr", addr, "path", "/metrics")
}
