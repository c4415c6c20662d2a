package watcher_test

import (
  "reflect"
  "sync"
  "testing"
  "time"

  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/watcher"
)

func TestHeartbeatTimeout_EvictsExactlyOnce(t *testing.T) {
  w, source, resolver := newTestWatcher(t)

  clock := NewManualClock()
  w.SetNowFunc(clock.Now)

  addrA := mustParseAddr(t, "c4:7c:8d:6a:2e:01")
  addrB := mustParseAddr(t, "c4:7c:8d:6a:2e:02")

  resolver.Add(device.Device{ID: addrA.String(), Addr: addrA, Name: "tag-a"})
  resolver.Add(device.Device{ID: addrB.String(), Addr: addrB, Name: "tag-b"})

  discovered := make(chan device.Device, 8)

  w.OnNewDeviceDiscovered(func(d device.Device) { discovered <- d })

  if err := w.StartListening(); err != nil {
    t.Fatalf("StartListening got error: %v", err)
  }

  source.Emit(device.Advertisement{Addr: addrA, RSSI: -40, Received: clock.Now()})
  waitEvent(t, discovered)

  clock.Advance(10 * time.Second)

  source.Emit(device.Advertisement{Addr: addrB, RSSI: -48, Received: clock.Now()})
  waitEvent(t, discovered)

  timeouts := make(chan device.Device, 8)

  w.OnDeviceTimeout(func(d device.Device) { timeouts <- d })

  // A has now been silent for 35s, B for 25s: only A must go.
  clock.Advance(25 * time.Second)

  devices := w.DiscoveredDevices()

  if len(devices) != 1 || devices[0].ID != addrB.String() {
    t.Fatalf("DiscoveredDevices: got %+#v, wanted only %v", devices, addrB)
  }

  if got := waitEvent(t, timeouts); got.ID != addrA.String() {
    t.Fatalf("timed-out device: got %+#v, wanted %v", got, addrA)
  }

  // repeated reads never time the same device out twice.
  w.DiscoveredDevices()
  expectNoEvent(t, timeouts)

  clock.Advance(10 * time.Second)

  if devices := w.DiscoveredDevices(); len(devices) != 0 {
    t.Fatalf("DiscoveredDevices: got %+#v, wanted none", devices)
  }

  if got := waitEvent(t, timeouts); got.ID != addrB.String() {
    t.Fatalf("timed-out device: got %+#v, wanted %v", got, addrB)
  }

  expectNoEvent(t, timeouts)
}

func TestHeartbeatTimeout_RunsOnIngestion(t *testing.T) {
  w, source, resolver := newTestWatcher(t)

  clock := NewManualClock()
  w.SetNowFunc(clock.Now)

  addrA := mustParseAddr(t, "c4:7c:8d:6a:2e:01")
  addrB := mustParseAddr(t, "c4:7c:8d:6a:2e:02")

  resolver.Add(device.Device{ID: addrA.String(), Addr: addrA, Name: "tag-a"})
  resolver.Add(device.Device{ID: addrB.String(), Addr: addrB, Name: "tag-b"})

  discovered := make(chan device.Device, 8)

  w.OnNewDeviceDiscovered(func(d device.Device) { discovered <- d })

  if err := w.StartListening(); err != nil {
    t.Fatalf("StartListening got error: %v", err)
  }

  source.Emit(device.Advertisement{Addr: addrA, RSSI: -40, Received: clock.Now()})
  waitEvent(t, discovered)

  var events EventLog

  w.OnDeviceObserved(func(device.Device) { events.Append("observed") })
  w.OnNewDeviceDiscovered(func(device.Device) { events.Append("discovered") })
  w.OnDeviceTimeout(func(device.Device) { events.Append("timeout") })

  done := make(chan device.Device, 1)

  w.OnNewDeviceDiscovered(func(d device.Device) { done <- d })

  clock.Advance(31 * time.Second)

  // ingesting B first evicts the silent A, then discovers B.
  source.Emit(device.Advertisement{Addr: addrB, RSSI: -48, Received: clock.Now()})
  waitEvent(t, done)

  want := []string{"timeout", "observed", "discovered"}

  if got := events.Entries(); !reflect.DeepEqual(got, want) {
    t.Fatalf("event sequence: got %v, wanted %v", got, want)
  }

  devices := w.DiscoveredDevices()

  if len(devices) != 1 || devices[0].ID != addrB.String() {
    t.Fatalf("DiscoveredDevices: got %+#v, wanted only %v", devices, addrB)
  }
}

func TestHeartbeatTimeout_StrictlyOlderOnly(t *testing.T) {
  w, source, resolver := newTestWatcher(t)

  clock := NewManualClock()
  w.SetNowFunc(clock.Now)

  addr := mustParseAddr(t, "c4:7c:8d:6a:2e:01")

  resolver.Add(device.Device{ID: addr.String(), Addr: addr, Name: "tag"})

  discovered := make(chan device.Device, 1)

  w.OnNewDeviceDiscovered(func(d device.Device) { discovered <- d })

  if err := w.StartListening(); err != nil {
    t.Fatalf("StartListening got error: %v", err)
  }

  source.Emit(device.Advertisement{Addr: addr, RSSI: -40, Received: clock.Now()})
  waitEvent(t, discovered)

  clock.Advance(watcher.DefaultHeartbeatTimeout)

  if devices := w.DiscoveredDevices(); len(devices) != 1 {
    t.Fatalf("device exactly at the timeout boundary must survive, got %+#v", devices)
  }

  clock.Advance(time.Nanosecond)

  if devices := w.DiscoveredDevices(); len(devices) != 0 {
    t.Fatalf("device past the timeout boundary must be evicted, got %+#v", devices)
  }
}

func TestSetHeartbeatTimeout(t *testing.T) {
  w, source, resolver := newTestWatcher(t)

  if got, want := w.HeartbeatTimeout(), watcher.DefaultHeartbeatTimeout; got != want {
    t.Fatalf("default heartbeat timeout: got %v, wanted %v", got, want)
  }

  clock := NewManualClock()
  w.SetNowFunc(clock.Now)
  w.SetHeartbeatTimeout(5 * time.Second)

  if got, want := w.HeartbeatTimeout(), 5 * time.Second; got != want {
    t.Fatalf("heartbeat timeout: got %v, wanted %v", got, want)
  }

  addr := mustParseAddr(t, "c4:7c:8d:6a:2e:01")

  resolver.Add(device.Device{ID: addr.String(), Addr: addr, Name: "tag"})

  discovered := make(chan device.Device, 1)

  w.OnNewDeviceDiscovered(func(d device.Device) { discovered <- d })

  if err := w.StartListening(); err != nil {
    t.Fatalf("StartListening got error: %v", err)
  }

  source.Emit(device.Advertisement{Addr: addr, RSSI: -40, Received: clock.Now()})
  waitEvent(t, discovered)

  clock.Advance(6 * time.Second)

  if devices := w.DiscoveredDevices(); len(devices) != 0 {
    t.Fatalf("DiscoveredDevices: got %+#v, wanted none after the shortened timeout", devices)
  }
}


type ManualClock struct {
  mu sync.Mutex
  now time.Time
}

func NewManualClock() *ManualClock {
  return &ManualClock{
    now: time.Date(2024, 5, 12, 9, 30, 0, 0, time.UTC),
  }
}

func (c *ManualClock) Now() time.Time {
  c.mu.Lock()
  defer c.mu.Unlock()

  return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
  c.mu.Lock()
  defer c.mu.Unlock()

  c.now = c.now.Add(d)
}
