// Copyright (c) 2025 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

//go:build !linux

package metrics

// The /proc based I/O collector is linux only.
func registerIOCollector() {}
