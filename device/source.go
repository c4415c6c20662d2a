package device

import (
  "context"
  "errors"
  "time"
)

var ErrAlreadyListening = errors.New("source is already listening")

// Advertisement is a single raw broadcast delivered by a Source. It carries
// only what the radio saw; everything else about a device comes from a
// Resolver.
type Advertisement struct {
  Addr Addr
  RSSI int
  Received time.Time
}

// Source is a push source of raw advertisement events.
//
// Implementations deliver advertisements from their own goroutines, in no
// particular order and with duplicates. `onStopped` must fire exactly once
// per started->stopped transition, whatever caused the stop. `Start` returns
// ErrAlreadyListening when the source is already started; `Stop` on a
// stopped source is a no-op.
type Source interface {
  Start(onAdvertisement func(Advertisement), onStopped func()) error
  Stop() error
  Listening() bool
}

// Resolver looks up the full record of a device given its address. Lookups
// can be slow and can fail; a device the resolver knows nothing about is
// reported as ErrNotFound.
//
// Resolvers fill in identity data (ID, name, pairing and connection state);
// the caller owns the advertisement-derived fields.
type Resolver interface {
  Resolve(ctx context.Context, addr Addr) (Device, error)
}
