package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/hubot-paas/orchestrator/internal/metrics"
	"github.com/hubot-paas/orchestrator/internal/storage"
	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
	"github.com/hubot-paas/orchestrator/pkg/logger"
	"github.com/hubot-paas/orchestrator/pkg/utils"
)

const historySuffix = ".history"

// VolumeSpec is a volume the orchestrator expects to exist.
type VolumeSpec struct {
	Name string
	Size int
}

// VolumeManager drives block volumes through their lifecycle. Backend
// failures never abort a batch: each item is logged and the caller gets the
// ids that made it together with an error naming the rest.
type VolumeManager struct {
	backend     storage.Backend
	interval    time.Duration
	parallelism int
	log         *zap.Logger
}

func NewVolumeManager(backend storage.Backend, pollInterval time.Duration) *VolumeManager {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &VolumeManager{
		backend:     backend,
		interval:    pollInterval,
		parallelism: 4,
		log:         logger.Named("volumes"),
	}
}

func (m *VolumeManager) Backend() storage.Backend { return m.backend }

// batchError reports the items of a batch that failed.
func batchError(op string, failed map[string]error) error {
	if len(failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(failed))
	errs := make([]error, 0, len(failed))
	for k, err := range failed {
		keys = append(keys, k)
		errs = append(errs, fmt.Errorf("%s: %w", k, err))
	}
	sort.Strings(keys)
	return appErr.Wrap(errors.Join(errs...), appErr.CodeUnavailable, fmt.Sprintf("%s failed for %d item(s)", op, len(keys))).
		WithMeta("failed", keys)
}

func (m *VolumeManager) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStorageCall(op, err, time.Since(start).Seconds())
	return err
}

func (m *VolumeManager) list(ctx context.Context, name string) ([]storage.Volume, error) {
	var vols []storage.Volume
	err := m.call("list_volumes", func() error {
		var err error
		vols, err = m.backend.ListVolumes(ctx, storage.VolumeFilter{Name: name})
		return err
	})
	return vols, err
}

// EnsureVolumes returns the ids of every volume in specs, creating the ones
// the backend does not list by name. Ids already known are returned even when
// other items fail, so they can be persisted first.
func (m *VolumeManager) EnsureVolumes(ctx context.Context, specs []VolumeSpec) ([]string, error) {
	var ids []string
	failed := map[string]error{}
	for _, spec := range specs {
		existing, err := m.list(ctx, spec.Name)
		if err != nil {
			m.log.Warn("list volume failed", zap.String("volume", spec.Name), zap.Error(err))
			failed[spec.Name] = err
			continue
		}
		if len(existing) > 0 {
			for _, v := range existing {
				ids = append(ids, v.ID)
			}
			continue
		}
		var vol *storage.Volume
		err = m.call("create_volume", func() error {
			var err error
			vol, err = m.backend.CreateVolume(ctx, storage.CreateVolumeRequest{Name: spec.Name, Size: spec.Size})
			return err
		})
		if err != nil {
			m.log.Warn("create volume failed", zap.String("volume", spec.Name), zap.Error(err))
			failed[spec.Name] = err
			continue
		}
		m.log.Info("volume created", zap.String("volume", spec.Name), zap.String("id", vol.ID), zap.Int("size", spec.Size))
		ids = append(ids, vol.ID)
	}
	return utils.Unique(ids), batchError("ensure volumes", failed)
}

// Resolve lists the ids the backend holds under the given names. It is the
// ground truth used to repair a resource's volume references.
func (m *VolumeManager) Resolve(ctx context.Context, names []string) ([]string, error) {
	var ids []string
	for _, name := range names {
		vols, err := m.list(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			ids = append(ids, v.ID)
		}
	}
	return utils.Unique(ids), nil
}

func (m *VolumeManager) get(ctx context.Context, id string) (*storage.Volume, error) {
	var v *storage.Volume
	err := m.call("get_volume", func() error {
		var err error
		v, err = m.backend.GetVolume(ctx, id)
		return err
	})
	return v, err
}

// Available reports whether every volume is available and unattached. A
// failed lookup counts as not ready.
func (m *VolumeManager) Available(ctx context.Context, ids []string) bool {
	for _, id := range ids {
		v, err := m.get(ctx, id)
		if err != nil {
			m.log.Debug("volume not ready", zap.String("id", id), zap.Error(err))
			return false
		}
		if v.State != storage.VolumeAvailable {
			return false
		}
	}
	return true
}

// Ready reports whether every volume can be mounted: available, or
// already held by the running app.
func (m *VolumeManager) Ready(ctx context.Context, ids []string) bool {
	for _, id := range ids {
		v, err := m.get(ctx, id)
		if err != nil {
			m.log.Debug("volume not ready", zap.String("id", id), zap.Error(err))
			return false
		}
		if v.State != storage.VolumeAvailable && v.State != storage.VolumeAttached {
			return false
		}
	}
	return true
}

// Detached reports whether no host holds any of the volumes. Missing volumes
// are detached.
func (m *VolumeManager) Detached(ctx context.Context, ids []string) bool {
	for _, id := range ids {
		v, err := m.get(ctx, id)
		if appErr.IsNotFound(err) {
			continue
		}
		if err != nil || v.Attached() || v.MultiAttach {
			return false
		}
	}
	return true
}

// WaitAvailable polls until all volumes are available or timeout passes.
// It reports false on timeout instead of failing.
func (m *VolumeManager) WaitAvailable(ctx context.Context, ids []string, timeout time.Duration) bool {
	err := wait.PollUntilContextTimeout(ctx, m.interval, timeout, true, func(ctx context.Context) (bool, error) {
		return m.Available(ctx, ids), nil
	})
	return err == nil
}

// WaitDetached polls until no host holds the volumes.
func (m *VolumeManager) WaitDetached(ctx context.Context, ids []string, timeout time.Duration) bool {
	err := wait.PollUntilContextTimeout(ctx, m.interval, timeout, true, func(ctx context.Context) (bool, error) {
		return m.Detached(ctx, ids), nil
	})
	return err == nil
}

// Delete removes volumes in parallel and returns the ids confirmed gone. A
// volume that no longer exists is confirmed.
func (m *VolumeManager) Delete(ctx context.Context, ids []string) ([]string, error) {
	var (
		mu      sync.Mutex
		deleted []string
		failed  = map[string]error{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, id := range utils.Unique(ids) {
		g.Go(func() error {
			err := m.call("delete_volume", func() error { return m.backend.DeleteVolume(gctx, id) })
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !appErr.IsNotFound(err) {
				m.log.Warn("delete volume failed", zap.String("id", id), zap.Error(err))
				failed[id] = err
				return nil
			}
			deleted = append(deleted, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(deleted)
	return deleted, batchError("delete volumes", failed)
}

// DeleteByName removes every volume the backend lists under the names.
func (m *VolumeManager) DeleteByName(ctx context.Context, names []string) ([]string, error) {
	ids, err := m.Resolve(ctx, names)
	if err != nil {
		return nil, err
	}
	return m.Delete(ctx, ids)
}

// HistoryName marks a volume as retired. Names already marked are kept.
func HistoryName(name, suffix string) string {
	if strings.HasSuffix(name, historySuffix) {
		return name
	}
	if suffix != "" {
		return name + "." + suffix + historySuffix
	}
	return name + historySuffix
}

// RenameToHistory retires volumes that could not be deleted so their names
// are free again. It returns the ids confirmed renamed; missing volumes are
// not confirmed.
func (m *VolumeManager) RenameToHistory(ctx context.Context, ids []string, suffix string) ([]string, error) {
	var renamed []string
	failed := map[string]error{}
	for _, id := range ids {
		v, err := m.get(ctx, id)
		if err != nil {
			m.log.Warn("rename volume lookup failed", zap.String("id", id), zap.Error(err))
			failed[id] = err
			continue
		}
		name := HistoryName(v.Name, suffix)
		if name != v.Name {
			if err := m.call("update_volume", func() error { return m.backend.UpdateVolume(ctx, id, name) }); err != nil {
				m.log.Warn("rename volume failed", zap.String("id", id), zap.Error(err))
				failed[id] = err
				continue
			}
		}
		renamed = append(renamed, id)
	}
	return renamed, batchError("rename volumes", failed)
}

// Retire deletes volumes and renames to history whatever could not be
// deleted. It returns the ids whose names are confirmed free.
func (m *VolumeManager) Retire(ctx context.Context, ids []string, suffix string) ([]string, error) {
	deleted, delErr := m.Delete(ctx, ids)
	if delErr == nil {
		return deleted, nil
	}
	rest := sets.List(sets.New(ids...).Difference(sets.New(deleted...)))
	renamed, err := m.RenameToHistory(ctx, rest, suffix)
	return append(deleted, renamed...), err
}
