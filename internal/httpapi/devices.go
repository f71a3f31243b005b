package httpapi

import (
	"net"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kasirinaja/ledger/internal/domain"
)

// deviceRegistry remembers who has talked to the local API, keyed by address.
type deviceRegistry struct {
	devices *xsync.MapOf[string, domain.Device]
	now     func() time.Time
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{devices: xsync.NewMapOf[string, domain.Device](), now: time.Now}
}

func (d *deviceRegistry) Seen(address, name string) {
	d.devices.Store(address, domain.Device{Name: name, Address: address, LastSeen: d.now().UTC()})
}

// List returns the most recently seen devices first.
func (d *deviceRegistry) List() []domain.Device {
	out := make([]domain.Device, 0, d.devices.Size())
	d.devices.Range(func(_ string, device domain.Device) bool {
		out = append(out, device)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Address < out[j].Address
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// localIPv4 picks the first non-loopback IPv4 address, which is what devices
// on the same network dial.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
