package main

import (
  "context"
  "net/http"
  "os"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/promhttp"
  "github.com/robertof/go-ble-tracker/ble"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/metrics"
  "github.com/robertof/go-ble-tracker/utils"
  "github.com/robertof/go-ble-tracker/watcher"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Array("Addresses", utils.ToZeroLogArray(cfg.Addresses)).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Dur("HeartbeatTimeout", cfg.HeartbeatTimeout).
    Msg("Starting with the specified configuration")

  handle := initBle(cfg)

  w, err := watcher.New(ble.NewSource(handle), ble.NewResolver(handle))

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to create device watcher")
  }

  w.SetHeartbeatTimeout(cfg.HeartbeatTimeout)

  registry := prometheus.NewRegistry()

  ble.RegisterMetrics(registry)
  metrics.RegisterWatcher(w, registry)

  w.OnStartedListening(func() {
    log.Info().Msg("Listening for device advertisements")
  })

  w.OnStoppedListening(func() {
    log.Info().Msg("Stopped listening for device advertisements")
  })

  w.OnNewDeviceDiscovered(func(d device.Device) {
    log.Info().
      Stringer("Device", d).
      Int("RSSI", d.RSSI).
      Bool("CanPair", d.CanPair).
      Msg("Discovered new device")
  })

  w.OnDeviceNameChanged(func(d device.Device) {
    log.Info().
      Stringer("Addr", d.Addr).
      Str("Name", d.Name).
      Msg("Device changed name")
  })

  w.OnDeviceTimeout(func(d device.Device) {
    log.Info().
      Stringer("Device", d).
      Time("LastBroadcast", d.BroadcastTime).
      Msg("Device went away")
  })

  w.OnDeviceObserved(func(d device.Device) {
    log.Debug().
      Stringer("Device", d).
      Int("RSSI", d.RSSI).
      Msg("Observed device")
  })

  if err := w.StartListening(); err != nil {
    log.Fatal().Err(err).Msg("Failed to start listening")
  }

  go func() {
    log.Info().
        Str("ListenAddress", cfg.BindAddress).
        Msg("Starting Prometheus server")

    http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

    if err := http.ListenAndServe(cfg.BindAddress, nil); err != nil {
        log.Fatal().Err(err).Msg("Unable to bind on requested address")
    }
  }()

  ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))

  ticker := time.NewTicker(cfg.SummaryInterval)
  defer ticker.Stop()

  for {
    select {
    case <-ticker.C:
      devices := w.DiscoveredDevices()

      log.Info().
        Int("Visible", len(devices)).
        Array("Devices", utils.ToZeroLogArray(devices)).
        Msg("Currently visible devices")
    case <-ctx.Done():
      log.Info().Msg("Shutting down")

      if err := w.StopListening(); err != nil {
        log.Error().Err(err).Msg("Failed to stop listening")
      }

      handle.DisconnectAll()
      handle.Stop()

      return
    }
  }
}

func initBle(cfg config) *ble.Handle {
  var bleFlags ble.Flags

  if cfg.ActiveScan {
    bleFlags |= ble.FlagScanTypeActive
  }

  if len(cfg.Addresses) > 0 {
    bleFlags |= ble.FlagEnableDeviceAllowList
  }

  if cfg.PersistConnections {
    bleFlags |= ble.FlagPersistConnections
  }

  if cfg.ResolveViaConnection {
    bleFlags |= ble.FlagResolveViaConnection
  }

  handle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  if len(cfg.Addresses) > 0 {
    if err := handle.SetAllowListedAddresses(cfg.Addresses); err != nil {
      log.Error().Err(err).Msg("Failed to set device allow list")
    }
  }

  return handle
}
