// Package ingest receives log lines over the network and publishes them to
// raw_logs next to the file tailer.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"logwarden/internal/bus"
	"logwarden/internal/config"
	"logwarden/internal/logging"
	"logwarden/internal/metrics"
	"logwarden/internal/model"
)

const maxLineBytes = 1024 * 1024

// Syslog listens on UDP and/or TCP. UDP datagrams may carry several
// newline-separated messages; TCP streams are newline framed.
type Syslog struct {
	bus       bus.Bus
	cfg       config.SyslogConfig
	retryWait time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu  sync.Mutex
	udp *net.UDPConn
	tcp net.Listener
}

func NewSyslog(b bus.Bus, cfg config.SyslogConfig, retryWait time.Duration, m *metrics.Metrics, logger *slog.Logger) *Syslog {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Label == "" {
		cfg.Label = "syslog"
	}
	if retryWait <= 0 {
		retryWait = 500 * time.Millisecond
	}
	return &Syslog{bus: b, cfg: cfg, retryWait: retryWait, metrics: m, logger: logger.With("component", "syslog")}
}

func (s *Syslog) String() string {
	return "syslog"
}

// Listen binds the configured addresses. Serve calls it when nothing is bound.
func (s *Syslog) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp != nil || s.tcp != nil {
		return nil
	}
	if s.cfg.UDPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("syslog udp resolve: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("syslog udp listen: %w", err)
		}
		s.udp = conn
	}
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			if s.udp != nil {
				s.udp.Close()
				s.udp = nil
			}
			return fmt.Errorf("syslog tcp listen: %w", err)
		}
		s.tcp = ln
	}
	if s.udp == nil && s.tcp == nil {
		return errors.New("syslog: no listen address configured")
	}
	return nil
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Syslog) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Syslog) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Serve receives until ctx ends. Listeners are released on return so a
// restart binds again.
func (s *Syslog) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	udp, tcp := s.udp, s.tcp
	s.mu.Unlock()
	s.logger.Info("syslog ingest enabled", "udp_addr", s.cfg.UDPAddr, "tcp_addr", s.cfg.TCPAddr, "label", s.cfg.Label)

	var wg sync.WaitGroup
	if udp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.readUDP(ctx, udp)
		}()
	}
	if tcp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptTCP(ctx, tcp)
		}()
	}

	<-ctx.Done()
	s.mu.Lock()
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
	if s.tcp != nil {
		s.tcp.Close()
		s.tcp = nil
	}
	s.mu.Unlock()
	wg.Wait()
	return ctx.Err()
}

func (s *Syslog) readUDP(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("syslog udp read error", "err", err)
			if !backoffSleep(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			s.publish(ctx, line, "udp")
		}
	}
}

func (s *Syslog) acceptTCP(ctx context.Context, ln net.Listener) {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("syslog tcp accept error", "err", err)
			if !backoffSleep(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleTCPConn(ctx, conn)
		}()
	}
}

func (s *Syslog) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)
	for scanner.Scan() {
		s.publish(ctx, scanner.Text(), "tcp")
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("syslog tcp scanner error", "err", err, "remote", conn.RemoteAddr().String())
	}
}

func (s *Syslog) publish(ctx context.Context, raw, transport string) {
	line := StripPriority(strings.TrimRight(raw, "\r"))
	if strings.TrimSpace(line) == "" {
		return
	}
	ev := model.LogEvent{
		Source:    s.cfg.Label,
		Line:      line,
		Timestamp: time.Now().UTC(),
		File:      "syslog+" + transport,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encode log event", "err", err)
		return
	}
	if err := bus.PublishRetry(ctx, s.bus, model.ChannelRawLogs, data, s.retryWait); err != nil {
		s.logger.Warn("publish failed, dropping line", "err", err)
		s.metrics.LineDropped(s.cfg.Label)
		return
	}
	s.metrics.LinePublished(s.cfg.Label)
}
