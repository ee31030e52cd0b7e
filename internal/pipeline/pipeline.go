// Package pipeline connects channel adapters to the agent runtime: it
// queues inbound messages, runs them through the middleware chain and the
// runtime on a bounded worker pool, and delivers responses back through
// the adapter that received them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/middleware"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrQueueFull is returned when the inbound queue cannot accept a message.
var ErrQueueFull = errors.New("pipeline: inbound queue full")

// TurnRunner is the slice of the agent runtime the pipeline drives.
// Satisfied by *agent.Runtime.
type TurnRunner interface {
	Run(ctx context.Context, session *models.Session, userText string, opts agent.RunOptions) (string, error)
	RunStreaming(ctx context.Context, session *models.Session, userText string, opts agent.RunOptions) <-chan *models.StreamEvent
	NeedsCompaction(session *models.Session) bool
	CompactHistory(ctx context.Context, session *models.Session) error
}

// Config tunes the pipeline.
type Config struct {
	// Workers bounds concurrently processed sessions. Default 32.
	Workers int

	// QueueSize bounds the inbound queue. Default 256.
	QueueSize int

	// GracefulShutdown is how long Stop waits for in-flight turns before
	// flushing and returning. Default 15s.
	GracefulShutdown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.GracefulShutdown <= 0 {
		c.GracefulShutdown = 15 * time.Second
	}
	return c
}

// Pipeline is the inbound message processor.
type Pipeline struct {
	config   Config
	manager  *sessions.Manager
	runtime  TurnRunner
	chain    *middleware.Chain
	adapters *channels.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	queue    chan *channels.InboundMessage
	pumpWg   sync.WaitGroup
	workerWg sync.WaitGroup
	cancel   context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires a pipeline. metrics may be nil.
func New(manager *sessions.Manager, runtime TurnRunner, chain *middleware.Chain, adapters *channels.Registry, metrics *observability.Metrics, config Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()
	return &Pipeline{
		config:   config,
		manager:  manager,
		runtime:  runtime,
		chain:    chain,
		adapters: adapters,
		metrics:  metrics,
		logger:   logger,
		queue:    make(chan *channels.InboundMessage, config.QueueSize),
	}
}

// Start launches the worker pool and begins pumping registered adapters.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pipeline: already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for i := 0; i < p.config.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(runCtx)
	}

	for _, adapter := range p.adapters.All() {
		if err := adapter.Start(runCtx); err != nil {
			return fmt.Errorf("pipeline: start adapter %s: %w", adapter.ID(), err)
		}
		p.pumpWg.Add(1)
		go p.pump(runCtx, adapter)
	}

	p.logger.Info("pipeline started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
	return nil
}

// pump forwards one adapter's inbound messages into the queue.
func (p *Pipeline) pump(ctx context.Context, adapter channels.Adapter) {
	defer p.pumpWg.Done()
	for {
		select {
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			if err := p.Enqueue(msg); err != nil {
				p.logger.Warn("inbound message dropped",
					"channel_id", msg.ChannelID,
					"sender_id", msg.SenderID,
					"error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Enqueue admits one inbound message. It never blocks; a full queue
// rejects the message with ErrQueueFull.
func (p *Pipeline) Enqueue(msg *channels.InboundMessage) error {
	select {
	case p.queue <- msg:
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.workerWg.Done()
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				return
			}
			if p.metrics != nil {
				p.metrics.QueueDepth.Set(float64(len(p.queue)))
			}
			p.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handle processes one inbound message end to end.
func (p *Pipeline) handle(ctx context.Context, msg *channels.InboundMessage) {
	if msg.Ack != nil {
		msg.Ack()
	}

	correlationID := uuid.NewString()
	ctx = observability.WithCorrelationID(ctx, correlationID)
	start := time.Now()

	session := p.manager.GetOrCreate(ctx, msg.ChannelID, msg.SenderID)
	ctx = observability.WithSessionID(ctx, session.ID)

	mctx := &middleware.MessageContext{
		ChannelID:     msg.ChannelID,
		SenderID:      msg.SenderID,
		Text:          msg.Text,
		CorrelationID: correlationID,
		Session:       session,
	}

	err := p.chain.Run(ctx, mctx, func(ctx context.Context) error {
		return p.runTurn(ctx, msg, session, correlationID)
	})

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		p.logger.ErrorContext(ctx, "turn failed", "error", err)
	default:
		if response, stopped := mctx.ShortCircuited(); stopped {
			status = "short_circuit"
			if p.metrics != nil {
				p.metrics.ShortCircuitCounter.WithLabelValues(mctx.ShortCircuitedBy()).Inc()
			}
			p.deliverText(ctx, msg, response)
		}
	}

	if p.metrics != nil {
		p.metrics.TurnCounter.WithLabelValues(msg.ChannelID, status).Inc()
		p.metrics.TurnDuration.WithLabelValues(msg.ChannelID).Observe(time.Since(start).Seconds())
	}
}

// runTurn holds the session's turn slot for the whole turn: agent loop,
// delivery, compaction, and flush.
func (p *Pipeline) runTurn(ctx context.Context, msg *channels.InboundMessage, session *models.Session, correlationID string) error {
	handle, err := p.manager.Acquire(ctx, session)
	if err != nil {
		return fmt.Errorf("acquire session %s: %w", session.ID, err)
	}
	defer handle.Release()
	session = handle.Session()

	opts := agent.RunOptions{CorrelationID: correlationID}

	adapter, hasAdapter := p.adapters.Get(msg.ChannelID)
	streaming := hasAdapter && adapter.SupportsStreaming(msg.SenderID)

	if streaming {
		for event := range p.runtime.RunStreaming(ctx, session, msg.Text, opts) {
			event.InReplyToMessageID = msg.MessageID
			if sendErr := adapter.SendStreamEvent(ctx, msg.SenderID, event); sendErr != nil {
				p.logger.WarnContext(ctx, "stream event delivery failed", "error", sendErr)
			}
		}
	} else {
		text, runErr := p.runtime.Run(ctx, session, msg.Text, opts)
		if runErr != nil {
			return runErr
		}
		p.deliverText(ctx, msg, text)
	}

	// Compaction runs synchronously between turns, inside the turn slot,
	// so history is never modified mid-turn.
	if p.runtime.NeedsCompaction(session) {
		if compErr := p.runtime.CompactHistory(ctx, session); compErr != nil {
			p.logger.WarnContext(ctx, "compaction failed", "error", compErr)
		}
	}

	p.manager.Flush(ctx, session)
	return nil
}

func (p *Pipeline) deliverText(ctx context.Context, msg *channels.InboundMessage, text string) {
	if text == "" {
		return
	}
	adapter, ok := p.adapters.Get(msg.ChannelID)
	if !ok {
		p.logger.WarnContext(ctx, "no adapter for channel", "channel_id", msg.ChannelID)
		return
	}
	err := adapter.Send(ctx, &channels.OutboundMessage{
		ChannelID:          msg.ChannelID,
		RecipientID:        msg.SenderID,
		Text:               text,
		InReplyToMessageID: msg.MessageID,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "message delivery failed", "error", err)
	}
}

// Stop drains the pipeline: adapters stop producing, in-flight turns get
// the grace window, then every admitted session is flushed.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	for _, adapter := range p.adapters.All() {
		if err := adapter.Stop(ctx); err != nil {
			p.logger.Warn("adapter stop failed", "adapter", adapter.ID(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		// Pumps must stop feeding the queue before it closes.
		p.pumpWg.Wait()
		close(p.queue)
		p.workerWg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(p.config.GracefulShutdown):
		graceful = false
		p.cancel()
		<-done
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	p.manager.FlushAll(flushCtx)

	p.cancel()
	if !graceful {
		p.logger.Warn("pipeline stopped after grace window expired")
	} else {
		p.logger.Info("pipeline stopped")
	}
	return nil
}
