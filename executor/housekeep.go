// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package executor

import (
	"time"

	"github.com/beevik/ntp"
)

const (
	clockCheckInterval = 10 * time.Minute
	// the time-range rule works with a 30s expiry slack; drift beyond this
	// silently mis-classifies ops.
	maxClockOffset = 2 * time.Second
)

// StartClockHousekeeping periodically compares the wall clock against an
// NTP server and warns on drift. Validation time-range checks depend on a
// reasonably accurate clock.
func (e *Executor) StartClockHousekeeping(ntpServer string) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	done := make(chan struct{})
	e.stopHousekeep = done
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(clockCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resp, err := ntp.Query(ntpServer)
				if err != nil {
					logger.Debug("ntp query failed", "server", ntpServer, "err", err)
					continue
				}
				offset := resp.ClockOffset
				if offset < 0 {
					offset = -offset
				}
				if offset > maxClockOffset {
					logger.Warn("system clock drifts from NTP", "offset", resp.ClockOffset, "server", ntpServer)
				}
			case <-done:
				return
			}
		}
	}()
}
