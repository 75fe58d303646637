// Package agent delivers control-plane commands (session kick, CRL push) to
// node agents. Delivery is best effort; callers never block on an agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/config"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

var ErrUnsupported = errors.New("command not supported by agent transport")

const (
	CommandKick = "kick"
	CommandCrl  = "crl"
)

type KickCommand struct {
	SessionID  uint              `json:"sessionId"`
	CommonName string            `json:"commonName"`
	Reason     models.KickReason `json:"reason"`
}

type CrlCommand struct {
	CrlPem     string `json:"crlPem"`
	CrlVersion int64  `json:"crlVersion"`
}

// Dispatcher sends one command to one node and reports the outcome.
type Dispatcher interface {
	Kick(ctx context.Context, node *models.VpnNode, cmd KickCommand) error
	PushCrl(ctx context.Context, node *models.VpnNode, cmd CrlCommand) error
}

// New builds the dispatcher selected by AGENT_TRANSPORT. The returned close
// func releases transport resources.
func New(cfg *config.Config, logger *zap.Logger) (Dispatcher, func(), error) {
	switch strings.ToLower(cfg.AgentTransport) {
	case "", "http":
		return NewHTTPDispatcher("https", cfg.AgentTimeout), func() {}, nil
	case "coa":
		return NewCoADispatcher(cfg.RadiusCoASecret), func() {}, nil
	case "amqp":
		d := NewAMQPDispatcher(cfg.AMQPURL, logger)
		return d, d.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown agent transport %q", cfg.AgentTransport)
	}
}

// Async runs every command on its own goroutine with a timeout. Failures are
// logged and counted, never returned.
type Async struct {
	dispatcher Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

func NewAsync(d Dispatcher, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{dispatcher: d, timeout: timeout, logger: logger.Named("agent"), metrics: m}
}

func (a *Async) Kick(node models.VpnNode, cmd KickCommand) {
	a.run(CommandKick, node, func(ctx context.Context) error {
		return a.dispatcher.Kick(ctx, &node, cmd)
	}, zap.Uint("session_id", cmd.SessionID), zap.String("reason", string(cmd.Reason)))
}

func (a *Async) PushCrl(node models.VpnNode, cmd CrlCommand) {
	a.run(CommandCrl, node, func(ctx context.Context) error {
		return a.dispatcher.PushCrl(ctx, &node, cmd)
	}, zap.Int64("crl_version", cmd.CrlVersion))
}

func (a *Async) run(command string, node models.VpnNode, fn func(ctx context.Context) error, fields ...zap.Field) {
	if a == nil || a.dispatcher == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		fields = append(fields, zap.String("command", command), zap.Uint("node_id", node.ID), zap.String("hostname", node.Hostname))
		if err := fn(ctx); err != nil {
			if errors.Is(err, ErrUnsupported) {
				a.logger.Info("agent command skipped", append(fields, zap.Error(err))...)
				return
			}
			a.metrics.DispatchFailure(command)
			a.logger.Warn("agent command failed", append(fields, zap.Error(err))...)
			return
		}
		a.logger.Debug("agent command delivered", fields...)
	}()
}

// Wait blocks until in-flight commands finish.
func (a *Async) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}
