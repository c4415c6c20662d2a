package metrics

import (
  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-ble-tracker/device"
  "github.com/robertof/go-ble-tracker/watcher"
)

var (
  descVisibleDevices = prometheus.NewDesc(
    "tracker_visible_devices",
    "Number of devices currently broadcasting.",
    nil,
    nil,
  )

  descRssi = prometheus.NewDesc(
    "tracker_device_rssi_dbm",
    "Signal strength of the last advertisement received from the device.",
    []string{"id", "name"},
    nil,
  )

  descLastBroadcast = prometheus.NewDesc(
    "tracker_device_last_broadcast_timestamp_seconds",
    "When the device last broadcast an advertisement.",
    []string{"id", "name"},
    nil,
  )

  observationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "tracker_device_observations_total",
    Help: "Advertisements successfully resolved into a device record.",
  })

  discoveriesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "tracker_device_discoveries_total",
    Help: "Devices that entered the registry.",
  })

  renamesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "tracker_device_renames_total",
    Help: "Known devices resolved under a different name.",
  })

  timeoutsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "tracker_device_timeouts_total",
    Help: "Devices evicted after staying silent past the heartbeat timeout.",
  })
)

type SnapshotFunc func() []device.Device

type collector struct {
  SnapshotFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  devices := c.SnapshotFunc()

  ch <- prometheus.MustNewConstMetric(
    descVisibleDevices,
    prometheus.GaugeValue,
    float64(len(devices)),
  )

  for _, d := range devices {
    rssi := prometheus.MustNewConstMetric(
      descRssi,
      prometheus.GaugeValue,
      float64(d.RSSI),
      d.ID,
      d.Name,
    )

    ch <- prometheus.NewMetricWithTimestamp(d.BroadcastTime, rssi)

    ch <- prometheus.MustNewConstMetric(
      descLastBroadcast,
      prometheus.GaugeValue,
      float64(d.BroadcastTime.UnixNano()) / 1e9,
      d.ID,
      d.Name,
    )
  }
}

// RegisterCollector exposes a presence snapshot as metrics. Snapshots are
// taken at scrape time.
func RegisterCollector(f SnapshotFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}

// RegisterWatcher exposes a watcher's registry and lifecycle counters on the
// given Prometheus registry. Scrapes snapshot the watcher directly, which
// also drives its timeout eviction.
func RegisterWatcher(w *watcher.Watcher, reg prometheus.Registerer) {
  watcher.RegisterMetrics(reg)

  reg.MustRegister(
    observationsCounter,
    discoveriesCounter,
    renamesCounter,
    timeoutsCounter,
  )

  w.OnDeviceObserved(func(device.Device) { observationsCounter.Inc() })
  w.OnNewDeviceDiscovered(func(device.Device) { discoveriesCounter.Inc() })
  w.OnDeviceNameChanged(func(device.Device) { renamesCounter.Inc() })
  w.OnDeviceTimeout(func(device.Device) { timeoutsCounter.Inc() })

  RegisterCollector(w.DiscoveredDevices, reg)
}
