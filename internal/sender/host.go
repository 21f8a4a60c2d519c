package sender

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
)

var (
	hostOnce sync.Once
	hostName string
)

// Hostname returns the local host name, resolved once
func Hostname() string {
	hostOnce.Do(func() {
		if info, err := host.Info(); err == nil && info.Hostname != "" {
			hostName = info.Hostname
			return
		}
		if name, err := os.Hostname(); err == nil && name != "" {
			hostName = name
			return
		}
		hostName = "alert-dispatch"
	})
	return hostName
}
