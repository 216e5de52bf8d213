// Package bridge wires the catalog, the MQTT publisher, and one
// supervisor per camera into the running process (C6).
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sua-org/hik2mqtt/internal/catalog"
	"github.com/sua-org/hik2mqtt/internal/config"
	"github.com/sua-org/hik2mqtt/internal/eventbus"
	"github.com/sua-org/hik2mqtt/internal/hikclient"
	"github.com/sua-org/hik2mqtt/internal/logging"
	"github.com/sua-org/hik2mqtt/internal/mqttclient"
	"github.com/sua-org/hik2mqtt/internal/supervisor"
)

// catalogPersistTick is how often the catalog is persisted regardless of
// new-entry activity (§4.6).
const catalogPersistTick = 60 * time.Second

// publisher is the subset of mqttclient.Client the bridge drives;
// declared here so tests can supply a fake without a broker.
type publisher interface {
	PublishDiscovery(entry catalog.EventType, device config.Camera) error
	PublishState(cameraID string, channelID int, eventType string, on bool) error
	PublishAvailability(cameraID string, online bool) error
	PublishBridgeAvailability(online bool) error
}

// Bridge owns the catalog, the per-camera supervisors, and the MQTT
// publisher, and fans supervisor output into broker publications.
type Bridge struct {
	cfg     config.Config
	cat     *catalog.Catalog
	cameras map[string]config.Camera

	supervisors []*supervisor.Supervisor
	channels    []chan eventbus.Record

	mqtt publisher

	persisting int32 // atomic coalescing flag for new-entry-triggered persist
}

// New validates cfg (duplicate camera ids are fatal here, per §3/§7) and
// builds one hikclient.Client + supervisor.Supervisor pair per camera.
// It does not dial the MQTT broker or start any goroutine; that's Run's
// job, so a broker outage surfaces from Run, not New.
func New(cfg config.Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge: invalid config: %w", err)
	}
	logging.SetDebug(cfg.General.LogLevel == "debug")

	cat := catalog.New()
	if cfg.General.CatalogPath != "" {
		if err := cat.Load(cfg.General.CatalogPath); err != nil {
			log.Printf("[bridge] catalog load failed (continuing with empty catalog): %v", err)
		}
	}

	b := &Bridge{
		cfg:     cfg,
		cat:     cat,
		cameras: make(map[string]config.Camera, len(cfg.Cameras)),
	}

	for _, cam := range cfg.Cameras {
		b.cameras[cam.ID] = cam

		ch := make(chan eventbus.Record, 32)
		client := hikclient.New(cam, hikclient.Options{})
		sup := supervisor.New(cam, client, cat, ch, supervisor.Options{
			EventTimeout:    cfg.EventTimeoutFor(cam),
			StabilityWindow: cfg.General.StabilityWindow,
		})

		b.supervisors = append(b.supervisors, sup)
		b.channels = append(b.channels, ch)
	}

	return b, nil
}

// Run connects to the MQTT broker, starts every supervisor, and consumes
// their fanned-in output until ctx is canceled and every supervisor has
// drained. A broker connect failure here is the caller's exit-code-2
// case (§6); it is not a New()-time error because it's an I/O failure,
// not a configuration one.
func (b *Bridge) Run(ctx context.Context) error {
	mqttCli, err := mqttclient.NewClientFromConfig(b.cfg.MQTT)
	if err != nil {
		return fmt.Errorf("bridge: mqtt connect: %w", err)
	}
	defer mqttCli.Close()
	b.mqtt = mqttCli

	sources := make([]<-chan eventbus.Record, len(b.channels))
	for i, ch := range b.channels {
		sources[i] = ch
	}
	merged := fanIn(sources...)

	var wg sync.WaitGroup
	for i, sup := range b.supervisors {
		wg.Add(1)
		go func(s *supervisor.Supervisor, ch chan eventbus.Record) {
			defer wg.Done()
			s.Run(ctx)
			close(ch)
		}(sup, b.channels[i])
	}

	ticker := time.NewTicker(catalogPersistTick)
	defer ticker.Stop()

	for open := true; open; {
		select {
		case rec, ok := <-merged:
			if !ok {
				open = false
				continue
			}
			b.handleRecord(rec)
		case <-ticker.C:
			b.persistCatalog()
		}
	}

	wg.Wait()
	b.persistCatalog()
	return nil
}

func (b *Bridge) handleRecord(rec eventbus.Record) {
	switch {
	case rec.Discovery != nil:
		cam := b.cameras[rec.CameraID]
		if err := b.mqtt.PublishDiscovery(rec.Discovery.Entry, cam); err != nil {
			log.Printf("[bridge] publish discovery failed cam=%s: %v", rec.CameraID, err)
		}
		b.persistCatalogAsync()

	case rec.State != nil:
		s := rec.State
		if err := b.mqtt.PublishState(rec.CameraID, s.ChannelID, s.EventType, s.On); err != nil {
			log.Printf("[bridge] publish state failed cam=%s: %v", rec.CameraID, err)
		}

	case rec.Availability != nil:
		if err := b.mqtt.PublishAvailability(rec.CameraID, rec.Availability.Online); err != nil {
			log.Printf("[bridge] publish availability failed cam=%s: %v", rec.CameraID, err)
		}
	}
}

func (b *Bridge) persistCatalog() {
	if b.cfg.General.CatalogPath == "" {
		return
	}
	if err := b.cat.Persist(b.cfg.General.CatalogPath); err != nil {
		log.Printf("[bridge] catalog persist failed: %v", err)
	}
}

// persistCatalogAsync triggers an out-of-band persist on a new catalog
// entry (§4.6 "on each new entry"), coalesced so a persist already in
// flight isn't re-entered; a missed coalesce is covered by the next
// periodic tick.
func (b *Bridge) persistCatalogAsync() {
	if b.cfg.General.CatalogPath == "" {
		return
	}
	if !atomic.CompareAndSwapInt32(&b.persisting, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreInt32(&b.persisting, 0)
		if err := b.cat.Persist(b.cfg.General.CatalogPath); err != nil {
			log.Printf("[bridge] catalog persist failed: %v", err)
		}
	}()
}
