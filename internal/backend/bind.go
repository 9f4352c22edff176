package backend

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/metrics"
)

const (
	defaultBindZonesDir   = "/etc/named/zones"
	defaultBindInclude    = "/etc/named.conf.local"
	defaultBindControlBin = "rndc"
)

// newBind builds a BIND zone-file driver: zone files under zonesDir, a
// named.conf include listing every managed zone, rndc reload after changes.
func newBind(name string, bc config.Backend, m *metrics.Metrics) (Driver, error) {
	zonesDir := bc.ZonesDir
	if zonesDir == "" {
		zonesDir = defaultBindZonesDir
	}
	include := bc.IncludeFile
	if include == "" {
		include = defaultBindInclude
	}
	controlBin := bc.ControlBin
	if controlBin == "" {
		controlBin = defaultBindControlBin
	}
	return newFileDriver(name, zonesDir, include, controlBin, []string{"reload"}, formatNamedConf, m)
}

func formatNamedConf(zones []string, zonesDir string) string {
	var b strings.Builder
	for _, zone := range zones {
		fmt.Fprintf(&b, "zone \"%s\" { type master; file \"%s\"; };\n",
			zone, filepath.Join(zonesDir, zone+".db"))
	}
	return b.String()
}
