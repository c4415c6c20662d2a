package ble

import (
  "fmt"
  "sync"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/utils"
  "github.com/rs/zerolog/log"
)

// Handle owns the HCI device plus the state shared between the scan loop and
// the resolver: the advertisement cache and the optional connection pool.
type Handle struct {
  dev *linux.Device
  connPool *connectionPool
  resolveConnect bool

  advMu sync.RWMutex
  advCache map[device.Addr]advInfo
}

type advInfo struct {
  name string
  connectable bool
}

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    advertisementsCounter,
    successfulConnectionsCounter,
    failedConnectionsCounter,
    connectionsFromPoolCounter,
    disconnectsCounter,
    nameReadsCounter,
    failedNameReadsCounter,
  )
}

func Init(deviceId int, flags Flags) (*Handle, error) {
  return InitWithConnParams(
    deviceId,
    ConnParamsDefault,
    flags,
  )
}

func InitWithConnParams(deviceId int, connParams ConnParams, flags Flags) (*Handle, error) {
  var scanType scanType = scanTypePassive
  var filterPolicy filterPolicy = filterPolicyAcceptAll

  if flags & FlagScanTypeActive == FlagScanTypeActive {
    scanType = scanTypeActive
  }

  if flags & FlagEnableDeviceAllowList == FlagEnableDeviceAllowList {
    filterPolicy = filterPolicyAllowListedOnly
  }

  log.Debug().
    Stringer("ScanType", scanType).
    Stringer("FilterPolicy", filterPolicy).
    Stringer("ConnParams", &connParams).
    Stringer("Flags", flags).
    Int("DeviceID", deviceId).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           uint8(scanType),     // 0x00: passive, 0x01: active
      LEScanInterval:       0x0004,              // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0004,              // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,                // 0x00: public, 0x01: random
      ScanningFilterPolicy: uint8(filterPolicy), // 0x00: accept all, 0x01: ignore non-allow-listed.
    }),
    ble.OptConnParams(connParams.AdapterOptions()),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
  }

  ble.SetDefaultDevice(dev)

  h := &Handle{
    dev: dev,
    advCache: make(map[device.Addr]advInfo),
  }

  if flags & FlagPersistConnections == FlagPersistConnections {
    h.connPool = initConnectionPool()
  }

  if flags & FlagResolveViaConnection == FlagResolveViaConnection {
    h.resolveConnect = true
  }

  return h, nil
}

// rememberAdvertisement keeps the latest broadcast data of each device. Later
// advertisements of the same device often omit the name, so the last
// non-blank one heard sticks.
func (h *Handle) rememberAdvertisement(addr device.Addr, a ble.Advertisement) {
  h.advMu.Lock()
  defer h.advMu.Unlock()

  info := h.advCache[addr]

  if name := a.LocalName(); name != "" {
    info.name = name
  }

  info.connectable = a.Connectable()

  h.advCache[addr] = info
}

func (h *Handle) rememberName(addr device.Addr, name string) {
  h.advMu.Lock()
  defer h.advMu.Unlock()

  info := h.advCache[addr]
  info.name = name

  h.advCache[addr] = info
}

func (h *Handle) cachedAdvertisement(addr device.Addr) (advInfo, bool) {
  h.advMu.RLock()
  defer h.advMu.RUnlock()

  info, ok := h.advCache[addr]

  return info, ok
}

func (h *Handle) SetAllowListedAddresses(addrs []device.Addr) error {
  log.Debug().
    Array("DeviceAddresses", utils.ToZeroLogArray(addrs)).
    Msg("Allow-listing the requested Bluetooth devices")

  // clear the white list to make sure we're starting from an empty slate.
  var res cmd.LEClearWhiteListRP

  err := h.dev.HCI.Send(&cmd.LEClearWhiteList{}, &res)

  if err != nil {
    return fmt.Errorf("failed to clear allow-list: %w", err)
  }

  if res.Status != 0 {
    return fmt.Errorf("failed to clear allow-list: got status: %v", res.Status)
  }

  for _, addr := range addrs {
    bytes := addr.HardwareAddr()

    var res cmd.LEAddDeviceToWhiteListRP

    err := h.dev.HCI.Send(&cmd.LEAddDeviceToWhiteList{
      AddressType: 0x00, // public
      Address:     [6]byte{
        // flip due to endianness
        bytes[5],
        bytes[4],
        bytes[3],
        bytes[2],
        bytes[1],
        bytes[0],
      },
    }, &res)

    if err != nil {
      return fmt.Errorf("failed to allow-list device %q: %w", addr.String(), err)
    }

    if res.Status != 0 {
      return fmt.Errorf("failed to allow-list device %q: got status: %v", addr.String(), res.Status)
    }
  }

  return nil
}

func (h *Handle) Stop() {
  h.dev.Stop()
}
