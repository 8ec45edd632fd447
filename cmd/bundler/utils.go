// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"runtime"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	isatty "github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/phamhongphuc1999/bundler/ethnode"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/rpcerr"
	"github.com/phamhongphuc1999/bundler/signer"
	"github.com/phamhongphuc1999/bundler/tracer"
)

func fatal(args ...interface{}) {
	var w io.Writer
	if runtime.GOOS == "windows" {
		// The SameFile check below doesn't work on Windows.
		// stdout is unlikely to get redirected though, so just print there.
		w = os.Stdout
	} else {
		outf, _ := os.Stdout.Stat()
		errf, _ := os.Stderr.Stat()
		if outf != nil && errf != nil && os.SameFile(outf, errf) {
			w = os.Stderr
		} else {
			w = io.MultiWriter(os.Stdout, os.Stderr)
		}
	}
	fmt.Fprint(w, "Fatal: ")
	fmt.Fprintln(w, args...)
	os.Exit(1)
}

func initLogger(ctx *cli.Context) {
	verbosity := ctx.Int(verbosityFlag.Name)
	if ctx.Bool(jsonLogsFlag.Name) {
		log.InitJSONLogger(os.Stderr, verbosity)
		return
	}
	useColor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	log.InitTerminalLogger(os.Stderr, verbosity, useColor)
}

func loadSigner(ctx *cli.Context) (*signer.Signer, error) {
	if hexKey := ctx.String(keyHexFlag.Name); hexKey != "" {
		return signer.FromHex(hexKey)
	}
	if path := ctx.String(keyFileFlag.Name); path != "" {
		return signer.FromFile(path)
	}
	return nil, errors.New("one of --key-file or --key-hex is required")
}

func parseAddressFlag(ctx *cli.Context, flag cli.StringFlag) (common.Address, error) {
	s := ctx.String(flag.Name)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("--%s: invalid address %q", flag.Name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAddressList(ctx *cli.Context, flag cli.StringFlag) ([]common.Address, error) {
	raw := strings.TrimSpace(ctx.String(flag.Name))
	if raw == "" {
		return nil, nil
	}
	var out []common.Address
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if !common.IsHexAddress(s) {
			return nil, errors.Errorf("--%s: invalid address %q", flag.Name, s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

func parseWeiFlag(ctx *cli.Context, flag cli.StringFlag) (*big.Int, error) {
	raw := strings.TrimSpace(ctx.String(flag.Name))
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(raw)
	if !ok || v.Sign() < 0 {
		return nil, errors.Errorf("--%s: invalid wei amount %q", flag.Name, raw)
	}
	return v, nil
}

// preflight verifies the node can actually serve this configuration before
// the bundler starts accepting ops.
func preflight(ctx context.Context, node *ethnode.Node, entryPoint, signerAddr common.Address, safeMode, conditionalRPC bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		code, err := node.CodeAt(ctx, entryPoint, nil)
		if err != nil {
			return errors.Wrap(err, "read EntryPoint code")
		}
		if len(code) == 0 {
			return errors.Errorf("no contract deployed at EntryPoint %s", entryPoint.Hex())
		}
		return nil
	})

	g.Go(func() error {
		balance, err := node.BalanceAt(ctx, signerAddr, nil)
		if err != nil {
			return errors.Wrap(err, "read signer balance")
		}
		if balance.Sign() == 0 {
			return errors.Errorf("signer %s has zero balance, cannot pay for bundles", signerAddr.Hex())
		}
		return nil
	})

	if safeMode {
		g.Go(func() error {
			var res tracer.Result
			err := node.TraceCall(ctx, ethereum.CallMsg{From: signerAddr, To: &entryPoint}, tracer.CollectorProgram, &res)
			if code, ok := ethnode.ErrorCode(err); ok && code == rpcerr.CodeMethodNotFound {
				return errors.New("node does not support debug_traceCall, rerun with --unsafe")
			}
			return nil
		})
	}

	if conditionalRPC {
		g.Go(func() error {
			if !node.SupportsConditionalSend(ctx) {
				return errors.New("node does not support eth_sendRawTransactionConditional")
			}
			return nil
		})
	}

	return g.Wait()
}
