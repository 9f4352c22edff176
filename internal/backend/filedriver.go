package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/zonefile"
)

// reloadTimeout caps a daemon control-binary invocation so a wedged daemon
// cannot hang the drainer.
const reloadTimeout = 30 * time.Second

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// fileDriver is the shared machinery for zone-file backends (BIND, NSD):
// one zone file per zone under zonesDir, a daemon include file listing every
// managed zone, and a control binary reload after each change. Writes go to
// a temp file and rename so the daemon never sees a partial zone file.
type fileDriver struct {
	name        string
	zonesDir    string
	includeFile string
	controlBin  string
	reloadArgs  []string
	// formatInclude renders the include file from the sorted zone list.
	formatInclude func(zones []string, zonesDir string) string
	runner        commandRunner
	metrics       *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileDriver(name string, zonesDir, includeFile, controlBin string, reloadArgs []string,
	formatInclude func([]string, string) string, m *metrics.Metrics) (*fileDriver, error) {

	if err := os.MkdirAll(zonesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create zones dir %s: %w", zonesDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(includeFile), 0o755); err != nil {
		return nil, fmt.Errorf("create include dir: %w", err)
	}
	if _, err := os.Stat(includeFile); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(includeFile, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create include file %s: %w", includeFile, err)
		}
		slog.Info("created empty include file", "backend", name, "path", includeFile)
	}

	return &fileDriver{
		name:          name,
		zonesDir:      zonesDir,
		includeFile:   includeFile,
		controlBin:    controlBin,
		reloadArgs:    reloadArgs,
		formatInclude: formatInclude,
		runner:        execRunner{},
		metrics:       m,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

func (d *fileDriver) Name() string { return d.name }

func (d *fileDriver) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	zoneName, err := d.safeZoneName(zoneName)
	if err != nil {
		return err
	}
	unlock := d.lockZone(zoneName)
	defer unlock()

	if err := atomicWrite(d.zoneFile(zoneName), []byte(zoneData)); err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return fmt.Errorf("write zone file for %s: %w", zoneName, err)
	}
	if err := d.refreshInclude(); err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return err
	}
	if err := d.reload(ctx); err != nil {
		d.metrics.IncBackendOp(d.name, "write", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "write", true)
	slog.Debug("wrote zone file", "backend", d.name, "zone", zoneName)
	return nil
}

func (d *fileDriver) DeleteZone(ctx context.Context, zoneName string) error {
	zoneName, err := d.safeZoneName(zoneName)
	if err != nil {
		return err
	}
	unlock := d.lockZone(zoneName)
	defer unlock()

	err = os.Remove(d.zoneFile(zoneName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return fmt.Errorf("remove zone file for %s: %w", zoneName, err)
	}
	if err := d.refreshInclude(); err != nil {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return err
	}
	if err := d.reload(ctx); err != nil {
		d.metrics.IncBackendOp(d.name, "delete", false)
		return err
	}
	d.metrics.IncBackendOp(d.name, "delete", true)
	slog.Debug("deleted zone file", "backend", d.name, "zone", zoneName)
	return nil
}

func (d *fileDriver) ZoneExists(ctx context.Context, zoneName string) (bool, error) {
	zoneName, err := d.safeZoneName(zoneName)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(d.zoneFile(zoneName))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat zone file for %s: %w", zoneName, err)
	}
	return true, nil
}

func (d *fileDriver) CountRecords(ctx context.Context, zoneName string) (int, error) {
	zoneName, err := d.safeZoneName(zoneName)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(d.zoneFile(zoneName))
	if err != nil {
		return 0, fmt.Errorf("read zone file for %s: %w", zoneName, err)
	}
	return zonefile.CountRecords(string(data), zoneName)
}

// Reconcile for file backends is a full rewrite: the zone file becomes
// exactly the reference text, which removes any lines not present in it.
func (d *fileDriver) Reconcile(ctx context.Context, zoneName, zoneData string) error {
	return d.WriteZone(ctx, zoneName, zoneData)
}

// ManagedZones lists the zones currently present in the zones directory.
func (d *fileDriver) ManagedZones() ([]string, error) {
	entries, err := os.ReadDir(d.zonesDir)
	if err != nil {
		return nil, fmt.Errorf("read zones dir: %w", err)
	}
	var zones []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		zones = append(zones, strings.TrimSuffix(e.Name(), ".db"))
	}
	sort.Strings(zones)
	return zones, nil
}

func (d *fileDriver) refreshInclude() error {
	zones, err := d.ManagedZones()
	if err != nil {
		return err
	}
	content := d.formatInclude(zones, d.zonesDir)
	if err := atomicWrite(d.includeFile, []byte(content)); err != nil {
		return fmt.Errorf("rewrite include file: %w", err)
	}
	return nil
}

func (d *fileDriver) reload(ctx context.Context) error {
	out, err := d.runner.Run(ctx, d.controlBin, d.reloadArgs...)
	if err != nil {
		return fmt.Errorf("reload %s: %w", d.name, err)
	}
	if s := strings.TrimSpace(out); s != "" {
		slog.Debug("daemon reload", "backend", d.name, "output", s)
	}
	return nil
}

func (d *fileDriver) zoneFile(zoneName string) string {
	return filepath.Join(d.zonesDir, zoneName+".db")
}

func (d *fileDriver) safeZoneName(zoneName string) (string, error) {
	zoneName = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(zoneName), "."))
	if zoneName == "" || strings.ContainsAny(zoneName, "/\\") || strings.Contains(zoneName, "..") {
		return "", fmt.Errorf("unsafe zone name %q", zoneName)
	}
	return zoneName, nil
}

func (d *fileDriver) lockZone(zoneName string) func() {
	d.mu.Lock()
	l, ok := d.locks[zoneName]
	if !ok {
		l = &sync.Mutex{}
		d.locks[zoneName] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// atomicWrite writes data to a temp file in the target directory, syncs it
// and renames it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
