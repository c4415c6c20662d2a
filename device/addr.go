package device

import (
  "fmt"
  "net"
)

// Addr is a 48-bit radio MAC address in numeric form. The zero value is not a
// valid address.
type Addr uint64

// ParseAddr parses a textual MAC address (`aa:bb:cc:dd:ee:ff` and friends)
// into an Addr.
func ParseAddr(s string) (Addr, error) {
  hw, err := net.ParseMAC(s)

  if err != nil {
    return 0, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
  }

  return AddrFromHardwareAddr(hw)
}

func AddrFromHardwareAddr(hw net.HardwareAddr) (Addr, error) {
  if len(hw) != 6 {
    return 0, fmt.Errorf("%w: %q is not 48 bits long", ErrInvalidAddr, hw.String())
  }

  var a Addr

  for _, b := range hw {
    a = a << 8 | Addr(b)
  }

  return a, nil
}

func (a Addr) HardwareAddr() net.HardwareAddr {
  return net.HardwareAddr{
    byte(a >> 40),
    byte(a >> 32),
    byte(a >> 24),
    byte(a >> 16),
    byte(a >> 8),
    byte(a),
  }
}

func (a Addr) String() string {
  return a.HardwareAddr().String()
}
