package ble

import (
  "context"
  "fmt"
  "sync"
  "time"

  "github.com/go-ble/ble"
  "github.com/pkg/errors"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/utils"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/semaphore"
)

var (
  successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_successful_connections_total",
  })
  failedConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_failed_connections_total",
  })
  connectionsFromPoolCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_reused_connections_total",
  })
  disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_disconnections_total",
  })
  nameReadsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_name_reads_total",
  })
  failedNameReadsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ble_tracker_ble_failed_name_reads_total",
  })
)

const gapDeviceNameUuid = 0x2a00

// HCI adapters misbehave with more than a handful of connections in flight.
const maxConcurrentConnects = 3

const DefaultConnectTimeout = 10 * time.Second

// Resolver resolves device records from what the radio has lately heard.
// Names missing from advertisements can optionally be read from the GAP
// device-name characteristic over a GATT connection.
type Resolver struct {
  handle *Handle
  connects *semaphore.Weighted

  // ConnectTimeout bounds each name-read connection attempt.
  ConnectTimeout time.Duration
}

func NewResolver(h *Handle) *Resolver {
  return &Resolver{
    handle: h,
    connects: semaphore.NewWeighted(maxConcurrentConnects),
    ConnectTimeout: DefaultConnectTimeout,
  }
}

func (r *Resolver) Resolve(ctx context.Context, addr device.Addr) (device.Device, error) {
  info, seen := r.handle.cachedAdvertisement(addr)

  if !seen {
    return device.Device{}, errors.Wrapf(device.ErrNotFound,
      "no advertisement heard from %v", addr)
  }

  d := device.Device{
    ID: addr.String(),
    Addr: addr,
    Name: info.name,
    CanPair: info.connectable,
    Connected: r.handle.hasPooledConnection(addr),
  }

  if d.Name != "" || !r.handle.resolveConnect || !info.connectable {
    return d, nil
  }

  name, err := r.readDeviceName(ctx, addr)

  if err != nil {
    failedNameReadsCounter.Inc()

    // the device is still perfectly real without a name.
    log.Debug().
      Err(err).
      Stringer("Addr", addr).
      Msg("ble: failed to read device name")

    return d, nil
  }

  nameReadsCounter.Inc()

  d.Name = name
  d.Connected = r.handle.hasPooledConnection(addr)

  if name != "" {
    // remember it so the next resolution skips the connection.
    r.handle.rememberName(addr, name)
  }

  return d, nil
}

func (r *Resolver) readDeviceName(ctx context.Context, addr device.Addr) (string, error) {
  if err := r.connects.Acquire(ctx, 1); err != nil {
    return "", err
  }

  defer r.connects.Release(1)

  ctx, cancel := context.WithTimeout(ctx, r.ConnectTimeout)
  defer cancel()

  client, err := r.handle.connect(ctx, addr)

  if err != nil {
    return "", fmt.Errorf("failed to connect to device: %w", err)
  }

  if r.handle.connPool == nil {
    defer client.CancelConnection()
  }

  p, err := client.DiscoverProfile(false)

  if err != nil {
    return "", fmt.Errorf("cannot discover profile for device: %w", err)
  }

  for _, svc := range p.Services {
    for _, char := range svc.Characteristics {
      if !char.UUID.Equal(ble.UUID16(gapDeviceNameUuid)) {
        continue
      }

      data, err := client.ReadCharacteristic(char)

      // a name we are not allowed to read, or whose handle went stale, is the
      // same as no name.
      if utils.ErrorIsAnyOf(err, ble.ErrReadNotPerm, ble.ErrInvalidHandle) {
        return "", nil
      }

      if err != nil {
        return "", fmt.Errorf("failed to read device name characteristic: %w", err)
      }

      return string(data), nil
    }
  }

  return "", fmt.Errorf("device has no name characteristic")
}

type connectionPool struct {
  mu sync.Mutex

  connections map[device.Addr]ble.Client
}

func initConnectionPool() *connectionPool {
  return &connectionPool{
    connections: make(map[device.Addr]ble.Client),
  }
}

func (h *Handle) connect(ctx context.Context, addr device.Addr) (ble.Client, error) {
  if h.connPool == nil {
    c, err := ble.Dial(ctx, addr)

    if err == nil {
      successfulConnectionsCounter.Inc()
    } else {
      failedConnectionsCounter.Inc()
    }

    return c, err
  }

  h.connPool.mu.Lock()
  defer h.connPool.mu.Unlock()

  if conn := h.connPool.connections[addr]; conn != nil {
    connectionsFromPoolCounter.Inc()
    log.Trace().Stringer("Addr", addr).Msg("ble: reusing connection from connection pool")
    return conn, nil
  }

  conn, err := ble.Dial(ctx, addr)

  if err != nil {
    failedConnectionsCounter.Inc()
    return nil, err
  }

  successfulConnectionsCounter.Inc()

  h.connPool.connections[addr] = conn
  log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

  // spawn a watchdog removing the entry from the connection pool when the
  // connection breaks.
  go func() {
    <-conn.Disconnected()

    disconnectsCounter.Inc()
    log.Debug().Stringer("Addr", addr).Msg("ble: connection with device closed, cleaning up")

    h.connPool.mu.Lock()
    defer h.connPool.mu.Unlock()

    delete(h.connPool.connections, addr)
  }()

  return conn, nil
}

func (h *Handle) hasPooledConnection(addr device.Addr) bool {
  if h.connPool == nil {
    return false
  }

  h.connPool.mu.Lock()
  defer h.connPool.mu.Unlock()

  return h.connPool.connections[addr] != nil
}

// DisconnectAll clears the connection pool (if any) and closes all
// connections.
func (h *Handle) DisconnectAll() {
  if h.connPool == nil {
    return
  }

  h.connPool.mu.Lock()
  defer h.connPool.mu.Unlock()

  for _, conn := range h.connPool.connections {
    conn.CancelConnection()
  }

  h.connPool.connections = make(map[device.Addr]ble.Client)
}
