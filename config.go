package main

import (
  "flag"
  "fmt"
  "os"
  "strings"
  "time"

  "github.com/robertof/go-ble-tracker/ble"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/watcher"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  BluetoothDeviceId int
  BluetoothConnParams ble.ConnParams
  PersistConnections bool
  ResolveViaConnection bool
  ActiveScan bool
  HeartbeatTimeout time.Duration
  SummaryInterval time.Duration
  Addresses []device.Addr
}

type boundAddrList struct {
  list *[]device.Addr
}

func (a *boundAddrList) String() string {
  return ""
}

func (a *boundAddrList) Set(v string) error {
  for _, s := range strings.Split(v, ",") {
    addr, err := device.ParseAddr(strings.TrimSpace(s))

    if err != nil {
      return fmt.Errorf("failed to parse address %q: %w", s, err)
    }

    *a.list = append(*a.list, addr)
  }

  return nil
}

func ParseArgs() config {
  var cfg config

  cfg.BluetoothConnParams = ble.ConnParamsDefault

  flag.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the metrics endpoint will bind to")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params",
    "Bluetooth connection parameters (one of 'default', 'power-saving' or 'low-latency')")
  flag.Var(&boundAddrList{&cfg.Addresses}, "addresses",
    "Comma-separated list of device addresses to track. Everything else is ignored. "+
    "When empty, every device heard is tracked")
  flag.BoolVar(&cfg.ActiveScan, "active", true,
    "Run active scans. Scan responses often carry names that plain advertisements omit")
  flag.BoolVar(&cfg.ResolveViaConnection, "resolve-connect", false,
    "Resolve missing device names by connecting and reading the GAP device name")
  flag.BoolVar(&cfg.PersistConnections, "persist-connections", false,
    "Keep name-read connections open in a connection pool")
  flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", watcher.DefaultHeartbeatTimeout,
    "How long a device may stay silent before it is considered gone")
  flag.DurationVar(&cfg.SummaryInterval, "summary-interval", 30 * time.Second,
    "How frequently the list of visible devices is logged")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  if cfg.HeartbeatTimeout <= 0 {
    fmt.Fprintln(os.Stderr, "Error: the heartbeat timeout must be positive!")
    flag.Usage()
    os.Exit(1)
  }

  if cfg.SummaryInterval <= 0 {
    fmt.Fprintln(os.Stderr, "Error: the summary interval must be positive!")
    flag.Usage()
    os.Exit(1)
  }

  return cfg
}
