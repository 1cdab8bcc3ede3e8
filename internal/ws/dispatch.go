package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
	"github.com/NISC-lab-unime/biofeedback-server/internal/procstat"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/session"
)

const statsTimeout = 500 * time.Millisecond

// Dispatcher turns inbound commands into session and scheduler changes.
// Commands of one connection are handled sequentially by its read loop.
type Dispatcher struct {
	sched   *Scheduler
	stats   *procstat.Sampler
	started time.Time
	log     *slog.Logger
}

// NewDispatcher creates a dispatcher. stats may be nil.
func NewDispatcher(sched *Scheduler, stats *procstat.Sampler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sched:   sched,
		stats:   stats,
		started: time.Now(),
		log:     logging.OrDiscard(logger),
	}
}

// Handle applies one raw client message and queues the reply. Problems
// with the command itself are replied to the client; the returned error is
// non-nil only when the session can no longer be served.
func (d *Dispatcher) Handle(c *client, data []byte) error {
	cmd, err := ParseCommand(data)
	if err != nil {
		return c.enqueue(ErrorMessage{Type: MsgError, Message: err.Error()})
	}
	c.sess.Touch()
	d.log.Debug("command received", "session", c.sess.ID, "command", cmd.Command)

	switch cmd.Command {
	case CmdOnce:
		sample, err := c.sess.Tick()
		if err != nil {
			return d.sessionError(c, err)
		}
		return c.enqueue(NewStreamMessage(sample, nil))

	case CmdSubscribe:
		if err := c.sess.Subscribe(); err != nil {
			return d.sessionError(c, err)
		}
		reply := SubscriptionMessage{
			Type:        MsgSubscriptionConfirmed,
			SessionID:   c.sess.ID,
			FrequencyHz: c.sess.Frequency(),
			Message:     "Subscribed to continuous biofeedback stream",
		}
		if err := c.enqueue(reply); err != nil {
			return err
		}
		d.sched.Start(c)
		d.log.Info("session subscribed", "session", c.sess.ID, "frequency_hz", reply.FrequencyHz,
			"subscribers", d.sched.store.SubscribedCount())
		return nil

	case CmdUnsubscribe:
		c.deliverMu.Lock()
		defer c.deliverMu.Unlock()
		if err := c.sess.Unsubscribe(); err != nil {
			return d.sessionError(c, err)
		}
		d.sched.Stop(c)
		d.log.Info("session unsubscribed", "session", c.sess.ID)
		return c.enqueue(NoticeMessage{
			Type:    MsgUnsubscriptionConfirmed,
			Message: "Unsubscribed from biofeedback stream",
		})

	case CmdStatus:
		return c.enqueue(d.status(c))

	case CmdSetFrequency:
		hz, err := cmd.Frequency()
		if err != nil {
			return c.enqueue(ErrorMessage{
				Type:             MsgError,
				Message:          err.Error(),
				CurrentFrequency: c.sess.Frequency(),
			})
		}
		old, applied, err := c.sess.SetFrequency(hz)
		if err != nil {
			return d.sessionError(c, err)
		}
		d.sched.Retime(c)
		d.log.Info("stream frequency changed", "session", c.sess.ID, "old_hz", old, "new_hz", applied)
		return c.enqueue(FrequencyChangedMessage{
			Type:            MsgFrequencyChanged,
			OldFrequencyHz:  old,
			NewFrequencyHz:  applied,
			IntervalSeconds: 1 / applied,
			Message:         fmt.Sprintf("Streaming frequency changed to %gHz", applied),
		})

	case CmdSetScenario:
		if err := c.sess.SetScenario(cmd.Scenario); err != nil {
			return d.sessionError(c, err)
		}
		d.log.Info("scenario changed", "session", c.sess.ID, "scenario", cmd.Scenario)
		return c.enqueue(ScenarioChangedMessage{
			Type:     MsgScenarioChanged,
			Scenario: cmd.Scenario,
			Message:  "Simulation scenario changed to " + cmd.Scenario,
		})

	default:
		return c.enqueue(ErrorMessage{
			Type:              MsgError,
			Message:           fmt.Sprintf("%v: unknown command %q", ErrProtocol, cmd.Command),
			AvailableCommands: Commands,
		})
	}
}

// sessionError replies with a recoverable error, or returns err when the
// session is already closed.
func (d *Dispatcher) sessionError(c *client, err error) error {
	switch {
	case errors.Is(err, session.ErrClosed):
		return err
	case errors.Is(err, scenario.ErrInvalidScenario):
		return c.enqueue(ErrorMessage{
			Type:           MsgError,
			Message:        err.Error(),
			ValidScenarios: scenario.Names(),
		})
	case errors.Is(err, session.ErrAlreadySubscribed), errors.Is(err, session.ErrNotSubscribed):
		return c.enqueue(ErrorMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("%v: %v", ErrProtocol, err),
		})
	default:
		d.log.Error("command failed", "session", c.sess.ID, "error", err)
		return c.enqueue(ErrorMessage{Type: MsgError, Message: "server error: " + err.Error()})
	}
}

func (d *Dispatcher) status(c *client) StatusMessage {
	info := c.sess.Info()
	st := StatusInfo{
		Running:          true,
		UptimeSeconds:    roundSeconds(time.Since(d.started)),
		ConnectedClients: d.sched.ClientCount(),
		SessionID:        info.ID,
		State:            info.State.String(),
		FrequencyHz:      info.FrequencyHz,
		SamplesGenerated: info.SamplesGenerated,
		Scenario:         info.Scenario,
		Baseline:         info.Baseline,
	}
	if d.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
		defer cancel()
		if ps, err := d.stats.Sample(ctx); err == nil {
			st.Process = &ps
		} else {
			d.log.Debug("process stats unavailable", "error", err)
		}
	}
	return StatusMessage{Type: MsgStatus, Server: st}
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(100*time.Millisecond)) / float64(time.Second)
}
