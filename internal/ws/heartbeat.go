package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // extra grace after a missed interval
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) heartbeat(config HeartbeatConfig) {
	defer s.loops.Done()
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now, config)
		}
	}
}

// checkConnections evicts connections with no frame read within
// Interval+Timeout and pings the rest. Any frame, including the pong a
// client returns, counts as activity.
func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	for _, c := range s.conns.All() {
		if idle := c.idle(now); idle > deadline {
			s.log.Info().Str("conn", c.id).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn", c.id).Msg("heartbeat ping failed")
			s.RemoveConnection(c)
		}
	}
}
