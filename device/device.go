package device

import (
  "errors"
  "fmt"
  "time"
)

var (
  ErrInvalidAddr = errors.New("invalid device address")
  ErrNotFound = errors.New("device not found")
)

// Device is a point-in-time snapshot of a discovered device. Records are
// immutable: a fresh observation yields a whole new record rather than
// mutating the previous one.
type Device struct {
  // ID is the stable registry identity of the device, derived from its
  // address. Two records with the same ID describe the same device.
  ID string
  Addr Addr
  // Name is the friendly name of the device when one is known. May be blank.
  Name string
  // RSSI is the signal strength of the advertisement that produced this
  // record, in dB.
  RSSI int
  // BroadcastTime is when the advertisement that produced this record was
  // received.
  BroadcastTime time.Time
  Connected bool
  CanPair bool
  Paired bool
}

func (d Device) String() string {
  if d.Name == "" {
    return d.Addr.String()
  }

  return fmt.Sprintf("%v (%v)", d.Name, d.Addr)
}
