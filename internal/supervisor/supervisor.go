// Package supervisor owns one camera's connection lifecycle: connect,
// stream, debounce, emit availability, reconnect with backoff.
package supervisor

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/hik2mqtt/internal/alertstream"
	"github.com/sua-org/hik2mqtt/internal/catalog"
	"github.com/sua-org/hik2mqtt/internal/config"
	"github.com/sua-org/hik2mqtt/internal/eventbus"
	"github.com/sua-org/hik2mqtt/internal/hikclient"
	"github.com/sua-org/hik2mqtt/internal/logging"
)

// Options tunes timing knobs the bridge resolves per-camera before
// constructing a Supervisor (see config.Config.EventTimeoutFor).
type Options struct {
	EventTimeout    time.Duration // in-flight-event expiry; default 5s
	StabilityWindow time.Duration // streaming duration that resets backoff; default 30s
	BackoffBase     time.Duration // default 1s
	BackoffCap      time.Duration // default 60s
}

func (o Options) withDefaults() Options {
	if o.EventTimeout <= 0 {
		o.EventTimeout = 5 * time.Second
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	return o
}

// Supervisor drives one camera through Disconnected/Connecting/
// Streaming/Draining. Run is meant to be the body of its own goroutine.
type Supervisor struct {
	cam    config.Camera
	client *hikclient.Client
	cat    *catalog.Catalog
	out    chan<- eventbus.Record
	opts   Options

	bo      *backoff
	tracker *expiryTracker

	stream  *hikclient.AlertStream
	decoder *alertstream.Decoder

	wasStreaming bool
	connID       string
}

// New constructs a Supervisor for one camera. client and cat are shared
// per-process collaborators; out is the bridge's fan-in channel.
func New(cam config.Camera, client *hikclient.Client, cat *catalog.Catalog, out chan<- eventbus.Record, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		cam:     cam,
		client:  client,
		cat:     cat,
		out:     out,
		opts:    opts,
		bo:      newBackoff(opts.BackoffBase, opts.BackoffCap, opts.StabilityWindow),
		tracker: newExpiryTracker(),
	}
}

// Run blocks until ctx is canceled, driving the state machine. On
// cancellation it transitions through Draining before returning, so the
// caller always observes a clean offline edge (§5 "Cancellation").
func (s *Supervisor) Run(ctx context.Context) {
	st := stateDisconnected
	for {
		switch st {
		case stateDisconnected:
			if ctx.Err() != nil {
				return
			}
			st = s.runDisconnected(ctx)
		case stateConnecting:
			st = s.runConnecting(ctx)
		case stateStreaming:
			st = s.runStreaming(ctx)
		case stateDraining:
			st = s.runDraining(ctx)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Supervisor) runDisconnected(ctx context.Context) state {
	if s.wasStreaming {
		s.out <- eventbus.NewAvailability(s.cam.ID, false)
		s.wasStreaming = false
	}

	delay := s.bo.next()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return stateDraining
	case <-timer.C:
		return stateConnecting
	}
}

func (s *Supervisor) runConnecting(ctx context.Context) state {
	stream, err := s.client.OpenAlertStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return stateDraining
		}
		log.Printf("[supervisor:%s] connect failed: %v", s.cam.ID, err)
		return stateDisconnected
	}

	s.connID = uuid.NewString()
	s.stream = stream
	s.decoder = alertstream.NewDecoder(stream.Body, stream.Boundary)
	s.wasStreaming = true

	log.Printf("[supervisor:%s] connected (conn=%s)", s.cam.ID, s.connID)
	s.out <- eventbus.NewAvailability(s.cam.ID, true)
	return stateStreaming
}

type decodeResult struct {
	evt alertstream.Event
	err error
}

func (s *Supervisor) runStreaming(ctx context.Context) state {
	expiryTimer := newStoppedTimer()
	defer expiryTimer.Stop()
	s.resetExpiryTimer(expiryTimer)

	stabilityTimer := time.AfterFunc(s.opts.StabilityWindow, func() {
		s.bo.reset()
		log.Printf("[supervisor:%s] stability window elapsed, backoff reset", s.cam.ID)
	})
	defer stabilityTimer.Stop()

	done := make(chan struct{})
	defer close(done)
	evCh := make(chan decodeResult)
	go s.readLoop(evCh, done)

	for {
		select {
		case <-ctx.Done():
			s.closeStream()
			return stateDraining

		case res := <-evCh:
			if res.err != nil {
				if alertstream.IsSkipped(res.err) {
					log.Printf("[supervisor:%s] skipped malformed part: %v", s.cam.ID, res.err)
					continue
				}
				s.closeStream()
				if errors.Is(res.err, io.EOF) {
					log.Printf("[supervisor:%s] stream closed by peer", s.cam.ID)
				} else {
					log.Printf("[supervisor:%s] stream error: %v", s.cam.ID, res.err)
				}
				return stateDraining
			}
			s.handleEvent(res.evt, expiryTimer)

		case <-expiryTimer.C:
			now := time.Now()
			for _, key := range s.tracker.popExpired(now) {
				s.out <- eventbus.NewState(s.cam.ID, key.channelID, key.eventType, false, now)
			}
			s.resetExpiryTimer(expiryTimer)
		}
	}
}

// readLoop runs on its own goroutine for the lifetime of one Streaming
// entry, forwarding every decode result until a terminal error, or until
// done is closed by runStreaming on its way out.
func (s *Supervisor) readLoop(evCh chan<- decodeResult, done <-chan struct{}) {
	for {
		evt, err := s.decoder.Next()
		select {
		case evCh <- decodeResult{evt: evt, err: err}:
		case <-done:
			return
		}
		if err != nil && !alertstream.IsSkipped(err) {
			return
		}
	}
}

func (s *Supervisor) handleEvent(evt alertstream.Event, expiryTimer *time.Timer) {
	if s.cam.IsIgnored(evt.EventType) {
		return
	}

	key := channelEventKey{channelID: evt.ChannelID, eventType: evt.EventType}
	logging.Debugf("supervisor:%s event channel=%d type=%s active=%v count=%d", s.cam.ID, evt.ChannelID, evt.EventType, evt.Active, evt.Count)

	entry, isNew := s.cat.Observe(s.cam.ID, evt.ChannelID, evt.EventType)
	if isNew {
		s.out <- eventbus.NewDiscovery(s.cam.ID, entry)
	}

	if evt.Active {
		wasInFlight := s.tracker.contains(key)
		s.tracker.upsert(key, time.Now().Add(s.opts.EventTimeout))
		if !wasInFlight {
			s.out <- eventbus.NewState(s.cam.ID, evt.ChannelID, evt.EventType, true, evt.Timestamp)
		}
		s.resetExpiryTimer(expiryTimer)
		return
	}

	if s.tracker.contains(key) {
		s.tracker.remove(key)
		s.out <- eventbus.NewState(s.cam.ID, evt.ChannelID, evt.EventType, false, evt.Timestamp)
		s.resetExpiryTimer(expiryTimer)
	}
}

func (s *Supervisor) runDraining(ctx context.Context) state {
	now := time.Now()
	for _, key := range s.tracker.keys() {
		s.out <- eventbus.NewState(s.cam.ID, key.channelID, key.eventType, false, now)
	}
	s.tracker.clear()
	s.out <- eventbus.NewAvailability(s.cam.ID, false)
	s.wasStreaming = false
	log.Printf("[supervisor:%s] drained", s.cam.ID)
	return stateDisconnected
}

func (s *Supervisor) closeStream() {
	if s.stream != nil {
		s.stream.Body.Close()
		s.stream = nil
	}
}

func (s *Supervisor) resetExpiryTimer(t *time.Timer) {
	drainTimer(t)
	if next, ok := s.tracker.nextExpiry(); ok {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		t.Reset(d)
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
