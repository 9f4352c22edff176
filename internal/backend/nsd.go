package backend

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
)

const (
	defaultNSDZonesDir   = "/etc/nsd/zones"
	defaultNSDInclude    = "/etc/nsd/nsd.conf.d/zones.conf"
	defaultNSDControlBin = "nsd-control"
)

// newNSD builds an NSD zone-file driver. Zone files share the RFC 1035
// format with BIND; registration lives in a dedicated include so the main
// nsd.conf is never touched.
func newNSD(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	zonesDir := bc.ZonesDir
	if zonesDir == "" {
		zonesDir = defaultNSDZonesDir
	}
	include := bc.IncludeFile
	if include == "" {
		include = defaultNSDInclude
	}
	controlBin := bc.ControlBin
	if controlBin == "" {
		controlBin = defaultNSDControlBin
	}
	return newFileDriver(name, zonesDir, include, controlBin, []string{"reload"}, formatNSDConf, m)
}

func formatNSDConf(zones []string, zonesDir string) string {
	var b strings.Builder
	for _, zone := range zones {
		fmt.Fprintf(&b, "\nzone:\n    name: \"%s\"\n    zonefile: \"%s\"\n",
			zone, filepath.Join(zonesDir, zone+".db"))
	}
	return b.String()
}
