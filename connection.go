package sftpops

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ConnectionState is derived from the session and channel handles on every
// query and never stored.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

func (s ConnectionState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionManager owns one session/channel pair and the bounded reconnect
// loop that (re)creates it. It is not safe for concurrent use.
type ConnectionManager struct {
	endpoint  Endpoint
	policy    ReconnectPolicy
	transport Transport
	logger    *slog.Logger

	session Session
	channel Channel
}

// NewConnectionManager returns a disconnected manager for endpoint.
func NewConnectionManager(endpoint Endpoint, policy ReconnectPolicy, transport Transport, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		endpoint:  endpoint.WithDefaults(),
		policy:    policy.WithDefaults(),
		transport: transport,
		logger:    logger,
	}
}

// State re-queries both handles.
func (m *ConnectionManager) State() ConnectionState {
	if m.session != nil && m.session.IsConnected() &&
		m.channel != nil && m.channel.IsConnected() {
		return Connected
	}
	return Disconnected
}

// IsConnected reports whether both the session and the channel are live.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == Connected
}

// Connect establishes the session and channel, retrying up to
// policy.MaxAttempts times in total. It returns immediately when already
// connected. Cancellation of ctx stops the loop with ErrInterrupted.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < m.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return interrupted("connect", m.endpoint.String(), err)
		}

		m.logger.Debug("connecting",
			slog.String("endpoint", m.endpoint.String()),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", m.policy.MaxAttempts))

		err := m.connectOnce(ctx)
		if err == nil {
			m.logger.Info("connected", slog.String("endpoint", m.endpoint.String()))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interrupted("connect", m.endpoint.String(), errors.Join(ctxErr, err))
		}
		lastErr = err

		if attempt+1 >= m.policy.MaxAttempts {
			break
		}

		delay := m.policy.delayBefore(attempt)
		m.logger.Warn("connect attempt failed",
			slog.String("endpoint", m.endpoint.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return interrupted("connect", m.endpoint.String(), ctx.Err())
		case <-timer.C:
		}
	}

	m.logger.Error("giving up connecting",
		slog.String("endpoint", m.endpoint.String()),
		slog.Int("attempts", m.policy.MaxAttempts),
		slog.String("error", lastErr.Error()))
	return connectionFailed("connect", m.endpoint.String(), lastErr)
}

// connectOnce reuses a live session and only reopens what is dead.
func (m *ConnectionManager) connectOnce(ctx context.Context) error {
	if m.session == nil || !m.session.IsConnected() {
		m.closeChannel()
		m.closeSession()

		session, err := m.transport.NewSession(ctx, m.endpoint, m.policy.ConnectTimeout)
		if err != nil {
			return err
		}
		m.session = session
	}

	if m.channel == nil || !m.channel.IsConnected() {
		m.closeChannel()

		channel, err := m.transport.OpenChannel(ctx, m.session, m.policy.ConnectTimeout)
		if err != nil {
			return err
		}
		m.channel = channel
	}
	return nil
}

// Disconnect closes the channel and the session. It never fails and may be
// called any number of times.
func (m *ConnectionManager) Disconnect() {
	if m.session == nil && m.channel == nil {
		return
	}
	m.closeChannel()
	m.closeSession()
	m.logger.Debug("disconnected", slog.String("endpoint", m.endpoint.String()))
}

func (m *ConnectionManager) closeChannel() {
	if m.channel == nil {
		return
	}
	if err := m.channel.Close(); err != nil {
		m.logger.Debug("closing channel", slog.String("error", err.Error()))
	}
	m.channel = nil
}

func (m *ConnectionManager) closeSession() {
	if m.session == nil {
		return
	}
	if err := m.session.Close(); err != nil {
		m.logger.Debug("closing session", slog.String("error", err.Error()))
	}
	m.session = nil
}

// Channel returns the live channel, or an ErrNotConnected failure.
func (m *ConnectionManager) Channel() (Channel, error) {
	if !m.IsConnected() {
		return nil, operationFailed("channel", m.endpoint.String(), ErrNotConnected)
	}
	return m.channel, nil
}

// Endpoint returns the endpoint with defaults applied.
func (m *ConnectionManager) Endpoint() Endpoint {
	return m.endpoint
}
