package ble

import (
  "context"
  "errors"
  "sync"
  "sync/atomic"
  "time"

  "github.com/go-ble/ble"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/rs/zerolog/log"
)

var advertisementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
  Name: "ble_tracker_ble_advertisements_total",
})

// Source adapts the radio scan loop to the push contract the watcher
// consumes. A single Source supports any number of start/stop cycles, one at
// a time.
type Source struct {
  handle *Handle

  mu sync.Mutex
  cancel context.CancelFunc
  done chan struct{}
  listening atomic.Bool
}

func NewSource(h *Handle) *Source {
  return &Source{
    handle: h,
  }
}

func (s *Source) Start(onAdvertisement func(device.Advertisement), onStopped func()) error {
  s.mu.Lock()
  defer s.mu.Unlock()

  if s.listening.Load() {
    return device.ErrAlreadyListening
  }

  ctx, cancel := context.WithCancel(context.Background())
  done := make(chan struct{})

  s.cancel = cancel
  s.done = done
  s.listening.Store(true)

  go s.scanLoop(ctx, cancel, done, onAdvertisement, onStopped)

  return nil
}

func (s *Source) scanLoop(
  ctx context.Context,
  cancel context.CancelFunc,
  done chan struct{},
  onAdvertisement func(device.Advertisement),
  onStopped func(),
) {
  defer cancel()

  err := s.handle.dev.Scan(ctx, true, func(a ble.Advertisement) {
    advertisementsCounter.Inc()

    addr, err := device.ParseAddr(a.Addr().String())

    if err != nil {
      log.Warn().
        Err(err).
        Str("Addr", a.Addr().String()).
        Msg("ble: dropping advertisement with unusable address")

      return
    }

    s.handle.rememberAdvertisement(addr, a)

    log.Trace().
      Stringer("Addr", addr).
      Str("LocalName", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Msg("ble: received advertisement")

    onAdvertisement(device.Advertisement{
      Addr: addr,
      RSSI: a.RSSI(),
      Received: time.Now(),
    })
  })

  // our own cancellations surface as context.Canceled: not an error.
  if err != nil && !errors.Is(err, context.Canceled) {
    log.Error().Err(err).Msg("ble: scan terminated abnormally")
  }

  s.listening.Store(false)
  close(done)

  if onStopped != nil {
    onStopped()
  }
}

// Stop cancels the scan and waits for the loop to wind down, which fires the
// stopped callback. Stopping a stopped source is a no-op.
func (s *Source) Stop() error {
  s.mu.Lock()
  defer s.mu.Unlock()

  if !s.listening.Load() {
    return nil
  }

  s.cancel()
  <-s.done

  return nil
}

func (s *Source) Listening() bool {
  return s.listening.Load()
}

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}
