package watcher

import (
  "context"
  "errors"
  "fmt"
  "slices"
  "strings"
  "sync"
  "sync/atomic"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/rs/zerolog/log"
  "golang.org/x/exp/maps"
)

// Default expiry for devices that stopped broadcasting.
const DefaultHeartbeatTimeout = 30 * time.Second

var (
  ErrNoSource = errors.New("an advertisement source is required")
  ErrNoResolver = errors.New("a device resolver is required")
)

var droppedAdvertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
  Name: "tracker_dropped_advertisements_total",
  Help: "Advertisements dropped because resolution failed or came too late.",
})

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(droppedAdvertisementsCounter)
}

// Watcher listens to an advertisement source and maintains a registry of the
// devices currently broadcasting, enriching every raw advertisement into a
// full record through a resolver. Devices that stay silent for longer than
// the heartbeat timeout are evicted. All methods are safe for concurrent use.
type Watcher struct {
  source device.Source
  resolver device.Resolver

  heartbeatTimeout atomic.Int64

  mu sync.Mutex
  devices map[string]device.Device
  // generation invalidates enrichments still in flight when the registry is
  // reset: a result is applied only if the generation it was ingested under
  // is still current.
  generation uint64

  started, stopped event[struct{}]
  observed, discovered, renamed, timedOut event[device.Device]

  // swapped out in tests.
  now func() time.Time
}

// New creates a Watcher over the given collaborators. Nothing happens until
// StartListening is called.
func New(source device.Source, resolver device.Resolver) (*Watcher, error) {
  if source == nil {
    return nil, ErrNoSource
  }

  if resolver == nil {
    return nil, ErrNoResolver
  }

  w := &Watcher{
    source: source,
    resolver: resolver,
    devices: make(map[string]device.Device),
    now: time.Now,
  }

  w.SetHeartbeatTimeout(DefaultHeartbeatTimeout)

  return w, nil
}

// StartListening subscribes to the advertisement source. It is a no-op when
// the watcher is already listening; at most one started notification fires
// per stopped->started transition.
func (w *Watcher) StartListening() error {
  if w.source.Listening() {
    return nil
  }

  err := w.source.Start(w.ingest, w.onSourceStopped)

  if errors.Is(err, device.ErrAlreadyListening) {
    return nil
  }

  if err != nil {
    return fmt.Errorf("failed to start advertisement source: %w", err)
  }

  log.Debug().Msg("watcher: listening for advertisements")

  w.started.publish(struct{}{})

  return nil
}

// StopListening halts the advertisement source and resets the registry, so
// that a later StartListening starts from a clean slate. Lookups still in
// flight are not canceled; their results are discarded. It is a no-op when
// the watcher is not listening.
func (w *Watcher) StopListening() error {
  if !w.source.Listening() {
    return nil
  }

  err := w.source.Stop()

  w.mu.Lock()
  w.generation++
  w.devices = make(map[string]device.Device)
  w.mu.Unlock()

  if err != nil {
    return fmt.Errorf("failed to stop advertisement source: %w", err)
  }

  return nil
}

// Listening reports whether the advertisement source is currently active. The
// status comes straight from the source, so a source that halted on its own
// is reflected here too.
func (w *Watcher) Listening() bool {
  return w.source.Listening()
}

func (w *Watcher) HeartbeatTimeout() time.Duration {
  return time.Duration(w.heartbeatTimeout.Load())
}

// SetHeartbeatTimeout adjusts how long a device may stay silent before being
// evicted. Takes effect on the next read or ingestion.
func (w *Watcher) SetHeartbeatTimeout(d time.Duration) {
  w.heartbeatTimeout.Store(int64(d))
}

// DiscoveredDevices returns a snapshot of the devices currently visible,
// ordered by ID. Stale devices are evicted (firing their timeout
// notifications) before the snapshot is taken.
func (w *Watcher) DiscoveredDevices() []device.Device {
  w.evictStale()

  w.mu.Lock()
  devices := maps.Values(w.devices)
  w.mu.Unlock()

  slices.SortFunc(devices, func(a, b device.Device) int {
    return strings.Compare(a.ID, b.ID)
  })

  return devices
}

// OnStartedListening registers a callback fired whenever the watcher starts
// listening. Callbacks run synchronously on the goroutine that triggered the
// event, never while the registry is locked: calling back into the watcher
// from a handler is safe.
func (w *Watcher) OnStartedListening(fn func()) {
  w.started.subscribe(func(struct{}) { fn() })
}

// OnStoppedListening registers a callback fired whenever the source stops,
// both via StopListening and when the source halts on its own.
func (w *Watcher) OnStoppedListening(fn func()) {
  w.stopped.subscribe(func(struct{}) { fn() })
}

// OnDeviceObserved registers a callback fired on every successfully resolved
// advertisement, whether or not the device was already known.
func (w *Watcher) OnDeviceObserved(fn func(device.Device)) {
  w.observed.subscribe(fn)
}

// OnNewDeviceDiscovered registers a callback fired when a device enters the
// registry. Fires after OnDeviceObserved for the same advertisement.
func (w *Watcher) OnNewDeviceDiscovered(fn func(device.Device)) {
  w.discovered.subscribe(fn)
}

// OnDeviceNameChanged registers a callback fired when a known device is
// resolved with a different, non-blank name. A device losing its name never
// fires this.
func (w *Watcher) OnDeviceNameChanged(fn func(device.Device)) {
  w.renamed.subscribe(fn)
}

// OnDeviceTimeout registers a callback fired when a device is evicted after
// staying silent for longer than the heartbeat timeout.
func (w *Watcher) OnDeviceTimeout(fn func(device.Device)) {
  w.timedOut.subscribe(fn)
}

func (w *Watcher) ingest(a device.Advertisement) {
  w.evictStale()

  w.mu.Lock()
  gen := w.generation
  w.mu.Unlock()

  // enrichment runs on its own goroutine: a slow lookup only ever delays its
  // own advertisement.
  go w.enrich(a, gen)
}

func (w *Watcher) enrich(a device.Advertisement, gen uint64) {
  d, err := w.resolver.Resolve(context.Background(), a.Addr)

  if err != nil {
    droppedAdvertisementsCounter.Inc()

    log.Debug().
      Err(err).
      Stringer("Addr", a.Addr).
      Msg("watcher: dropping advertisement of unresolvable device")

    return
  }

  d.RSSI = a.RSSI
  d.BroadcastTime = a.Received

  w.mu.Lock()

  if gen != w.generation {
    w.mu.Unlock()

    droppedAdvertisementsCounter.Inc()

    log.Trace().
      Stringer("Device", d).
      Msg("watcher: discarding resolution from a previous session")

    return
  }

  prev, known := w.devices[d.ID]
  w.devices[d.ID] = d

  w.mu.Unlock()

  w.observed.publish(d)

  if known && d.Name != "" && d.Name != prev.Name {
    w.renamed.publish(d)
  }

  if !known {
    log.Debug().
      Stringer("Device", d).
      Int("RSSI", d.RSSI).
      Msg("watcher: discovered new device")

    w.discovered.publish(d)
  }
}

func (w *Watcher) evictStale() {
  deadline := w.now().Add(-w.HeartbeatTimeout())

  var expired []device.Device

  w.mu.Lock()

  for id, d := range w.devices {
    if d.BroadcastTime.Before(deadline) {
      delete(w.devices, id)
      expired = append(expired, d)
    }
  }

  w.mu.Unlock()

  for _, d := range expired {
    log.Debug().
      Stringer("Device", d).
      Time("LastBroadcast", d.BroadcastTime).
      Msg("watcher: evicting device after heartbeat timeout")

    w.timedOut.publish(d)
  }
}

func (w *Watcher) onSourceStopped() {
  log.Debug().Msg("watcher: advertisement source stopped")

  w.stopped.publish(struct{}{})
}
