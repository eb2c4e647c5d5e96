package sftpops

import (
	"errors"
	"log/slog"
	"time"
)

var errKeepaliveTimeout = errors.New("no keepalive reply within interval")

// requestSender is the part of *ssh.Client that keepalives use.
type requestSender interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
}

type keepaliver struct {
	sender   requestSender
	interval time.Duration
	countMax int
	stop     <-chan struct{}
	done     <-chan struct{}
	close    func() error
	logger   *slog.Logger
}

func (s *sshSession) keepalive(interval time.Duration, countMax int, logger *slog.Logger) {
	k := &keepaliver{
		sender:   s.client,
		interval: interval,
		countMax: countMax,
		stop:     s.stop,
		done:     s.done,
		close:    s.Close,
		logger:   logger,
	}
	k.run()
}

// run sends keepalive@openssh.com requests every interval and closes the
// session after countMax consecutive misses. A request that gets no reply
// within one interval counts as a miss.
func (k *keepaliver) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ticker.C:
		case <-k.stop:
			return
		case <-k.done:
			return
		}

		stopped, err := k.send()
		if stopped {
			return
		}
		if err == nil {
			missed = 0
			continue
		}

		missed++
		k.logger.Debug("keepalive failed",
			slog.Int("missed", missed), slog.String("error", err.Error()))
		if missed >= k.countMax {
			k.logger.Warn("server stopped answering keepalives, closing session",
				slog.Int("missed", missed))
			_ = k.close()
			return
		}
	}
}

// send issues one request and waits at most one interval for the reply.
// stopped reports that the session ended while waiting.
func (k *keepaliver) send() (stopped bool, err error) {
	result := make(chan error, 1)
	go func() {
		_, _, err := k.sender.SendRequest("keepalive@openssh.com", true, nil)
		result <- err
	}()

	timer := time.NewTimer(k.interval)
	defer timer.Stop()

	select {
	case err := <-result:
		return false, err
	case <-timer.C:
		return false, errKeepaliveTimeout
	case <-k.stop:
		return true, nil
	case <-k.done:
		return true, nil
	}
}
