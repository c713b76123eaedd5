package connection

import (
	"context"
	"time"

	"github.com/edgerunner/runner/internal/jsonrpc"
	"github.com/edgerunner/runner/internal/metrics"
	"github.com/edgerunner/runner/internal/transport"
)

// heartbeatMaxFailures is the consecutive-failure threshold at which the
// connection is treated as dead (spec §4.3.3).
const heartbeatMaxFailures = 3

// heartbeatLoop sends runner/heartbeat every cfg.HeartbeatInterval while
// Connected. Three consecutive send failures trip the watchdog. The loop
// exits cleanly on ctx cancellation (shutdown, or loss of this connection
// reported by either loop) without ever running while Reconnecting or Disconnected,
// since it is only ever spawned from runConnected.
func (e *Engine) heartbeatLoop(ctx context.Context, tr transport.Transport, signalLost func()) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := jsonrpc.EncodeNotification("runner/heartbeat", map[string]int64{
				"timestamp": time.Now().Unix(),
			})
			if err != nil {
				e.logger.Error("heartbeat", "failed to encode heartbeat: %v", err)
				continue
			}

			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.HeartbeatInterval)
			sendErr := tr.Send(sendCtx, payload)
			cancel()

			if sendErr != nil {
				failures++
				metrics.HeartbeatFailuresTotal.Inc()
				e.logger.Warn("heartbeat", "send failed (%d/%d): %v", failures, heartbeatMaxFailures, sendErr)
				if failures >= heartbeatMaxFailures {
					e.logger.Error("heartbeat", "watchdog tripped after %d consecutive failures", failures)
					signalLost()
					return
				}
				continue
			}
			failures = 0
		}
	}
}
