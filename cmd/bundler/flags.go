// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	cli "gopkg.in/urfave/cli.v1"
)

var (
	networkFlag = cli.StringFlag{
		Name:   "network",
		Value:  "http://localhost:8545",
		Usage:  "URL of the ethereum node to bundle for",
		EnvVar: "BUNDLER_NETWORK",
	}
	entryPointFlag = cli.StringFlag{
		Name:   "entrypoint",
		Value:  "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789",
		Usage:  "address of the EntryPoint contract",
		EnvVar: "BUNDLER_ENTRYPOINT",
	}
	beneficiaryFlag = cli.StringFlag{
		Name:   "beneficiary",
		Usage:  "address collecting the bundler fees",
		EnvVar: "BUNDLER_BENEFICIARY",
	}
	keyFileFlag = cli.StringFlag{
		Name:   "key-file",
		Usage:  "path to a file holding the signer's hex private key",
		EnvVar: "BUNDLER_KEY_FILE",
	}
	keyHexFlag = cli.StringFlag{
		Name:   "key-hex",
		Usage:  "the signer's hex private key",
		Hidden: true,
		EnvVar: "BUNDLER_KEY_HEX",
	}
	apiAddrFlag = cli.StringFlag{
		Name:   "api-addr",
		Value:  "localhost:3000",
		Usage:  "API service listening address",
		EnvVar: "BUNDLER_API_ADDR",
	}
	apiCorsFlag = cli.StringFlag{
		Name:   "api-cors",
		Value:  "*",
		Usage:  "comma separated list of domains from which to accept cross origin requests to API",
		EnvVar: "BUNDLER_API_CORS",
	}
	verbosityFlag = cli.IntFlag{
		Name:   "verbosity",
		Value:  3,
		Usage:  "log verbosity (0-9)",
		EnvVar: "BUNDLER_VERBOSITY",
	}
	jsonLogsFlag = cli.BoolFlag{
		Name:   "json-logs",
		Usage:  "output logs in JSON format",
		EnvVar: "BUNDLER_JSON_LOGS",
	}
	unsafeFlag = cli.BoolFlag{
		Name:   "unsafe",
		Usage:  "skip the opcode/storage tracer rules (requires no debug_traceCall support)",
		EnvVar: "BUNDLER_UNSAFE",
	}
	debugRPCFlag = cli.BoolFlag{
		Name:   "debug-rpc",
		Usage:  "expose the debug_bundler_* namespace",
		EnvVar: "BUNDLER_DEBUG_RPC",
	}
	conditionalRPCFlag = cli.BoolFlag{
		Name:   "conditional-rpc",
		Usage:  "dispatch bundles via eth_sendRawTransactionConditional",
		EnvVar: "BUNDLER_CONDITIONAL_RPC",
	}
	mergeAccountRootFlag = cli.BoolFlag{
		Name:   "merge-account-root",
		Usage:  "condition on sender storage roots instead of individual slots",
		Hidden: true,
		EnvVar: "BUNDLER_MERGE_ACCOUNT_ROOT",
	}
	whitelistFlag = cli.StringFlag{
		Name:   "whitelist",
		Usage:  "comma separated addresses always treated as OK by reputation",
		EnvVar: "BUNDLER_WHITELIST",
	}
	blacklistFlag = cli.StringFlag{
		Name:   "blacklist",
		Usage:  "comma separated addresses always treated as BANNED by reputation",
		EnvVar: "BUNDLER_BLACKLIST",
	}
	maxBundleGasFlag = cli.Uint64Flag{
		Name:   "max-bundle-gas",
		Value:  5_000_000,
		Usage:  "gas budget of one bundle (sum of preOpGas + callGasLimit)",
		EnvVar: "BUNDLER_MAX_BUNDLE_GAS",
	}
	gasFactorFlag = cli.Float64Flag{
		Name:   "gas-factor",
		Value:  1,
		Usage:  "factor applied to the handleOps transaction gas limit",
		EnvVar: "BUNDLER_GAS_FACTOR",
	}
	minBalanceFlag = cli.StringFlag{
		Name:   "min-balance",
		Value:  "0",
		Usage:  "signer balance (wei) below which fees are collected to the signer itself",
		EnvVar: "BUNDLER_MIN_BALANCE",
	}
	minStakeFlag = cli.StringFlag{
		Name:   "min-stake",
		Value:  "1000000000000000000",
		Usage:  "minimum EntryPoint stake (wei) for an entity to count as staked",
		EnvVar: "BUNDLER_MIN_STAKE",
	}
	minUnstakeDelayFlag = cli.Uint64Flag{
		Name:   "min-unstake-delay",
		Value:  86400,
		Usage:  "minimum unstake delay (seconds) for an entity to count as staked",
		EnvVar: "BUNDLER_MIN_UNSTAKE_DELAY",
	}
	autoBundleIntervalFlag = cli.Uint64Flag{
		Name:   "auto-bundle-interval",
		Value:  3,
		Usage:  "seconds between automatic bundle attempts, 0 disables the timer",
		EnvVar: "BUNDLER_AUTO_BUNDLE_INTERVAL",
	}
	autoBundleMempoolSizeFlag = cli.IntFlag{
		Name:   "auto-bundle-mempool-size",
		Value:  10,
		Usage:  "mempool size triggering an immediate bundle attempt",
		EnvVar: "BUNDLER_AUTO_BUNDLE_MEMPOOL_SIZE",
	}
	enableAPILogsFlag = cli.BoolFlag{
		Name:   "enable-api-logs",
		Usage:  "enables API requests logging",
		EnvVar: "BUNDLER_ENABLE_API_LOGS",
	}
	enableMetricsFlag = cli.BoolFlag{
		Name:   "enable-metrics",
		Usage:  "enables the prometheus metrics server",
		EnvVar: "BUNDLER_ENABLE_METRICS",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:   "metrics-addr",
		Value:  "localhost:2112",
		Usage:  "metrics service listening address",
		EnvVar: "BUNDLER_METRICS_ADDR",
	}
	ntpServerFlag = cli.StringFlag{
		Name:   "ntp-server",
		Value:  "pool.ntp.org",
		Usage:  "NTP server used to watch wall-clock drift, empty disables the check",
		EnvVar: "BUNDLER_NTP_SERVER",
	}
)
