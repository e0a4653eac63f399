package metricsink

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatsD sends counters and timers over UDP in the classic
// "name:value|type" wire format. No StatsD client library appears
// anywhere in the example corpus; this is a deliberately small
// fire-and-forget UDP writer, not a general client, so stdlib net is
// used directly rather than reaching for an unrelated third-party dep.
type StatsD struct {
	addr   string
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewStatsD builds a StatsD sink targeting host:port. prefix, if
// non-empty, is prepended to every metric name with a ".".
func NewStatsD(host string, port int, prefix string, logger *zap.Logger) *StatsD {
	return &StatsD{addr: fmt.Sprintf("%s:%d", host, port), prefix: prefix, logger: logger}
}

func (s *StatsD) Start() error {
	conn, err := net.Dial("udp", s.addr)
	if err != nil {
		return fmt.Errorf("metricsink: dial statsd at %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *StatsD) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *StatsD) Increment(name string, count int64) {
	s.send(fmt.Sprintf("%s%s:%d|c", s.prefixDot(), name, count))
}

func (s *StatsD) Timing(name string, d time.Duration) {
	s.send(fmt.Sprintf("%s%s:%d|ms", s.prefixDot(), name, d.Milliseconds()))
}

func (s *StatsD) prefixDot() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "."
}

func (s *StatsD) send(line string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write([]byte(line)); err != nil && s.logger != nil {
		s.logger.Warn("statsd write failed", zap.Error(err))
	}
}
