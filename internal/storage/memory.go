package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// Memory is an in-process Backend used by tests and local runs. New volumes
// report creating for CreatingPolls GetVolume calls before turning available.
type Memory struct {
	mu        sync.Mutex
	seq       int
	volumes   map[string]*Volume
	polls     map[string]int
	snapshots map[string]*Snapshot

	CreatingPolls int

	// Hooks let tests fail single calls. A non-nil error is returned as is.
	OnCreateVolume   func(req CreateVolumeRequest) error
	OnDeleteVolume   func(id string) error
	OnCreateSnapshot func(volumeID, name string) error
	OnGetVolume      func(id string) error
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		volumes:   map[string]*Volume{},
		polls:     map[string]int{},
		snapshots: map[string]*Snapshot{},
	}
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%04d", prefix, m.seq)
}

func (m *Memory) ListVolumes(ctx context.Context, filter VolumeFilter) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Volume
	for _, v := range m.volumes {
		if filter.Name == "" || v.Name == filter.Name {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	if m.OnCreateVolume != nil {
		if err := m.OnCreateVolume(req); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.SnapshotID != "" {
		if _, ok := m.snapshots[req.SnapshotID]; !ok {
			return nil, appErr.New(appErr.CodeNotFound, "snapshot "+req.SnapshotID+" not found")
		}
	}
	v := &Volume{ID: m.nextID("vol"), Name: req.Name, Size: req.Size, State: VolumeCreating, SnapshotID: req.SnapshotID}
	if m.CreatingPolls == 0 {
		v.State = VolumeAvailable
	}
	m.volumes[v.ID] = v
	cp := *v
	return &cp, nil
}

func (m *Memory) GetVolume(ctx context.Context, id string) (*Volume, error) {
	if m.OnGetVolume != nil {
		if err := m.OnGetVolume(id); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[id]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "volume "+id+" not found")
	}
	if v.State == VolumeCreating {
		m.polls[id]++
		if m.polls[id] >= m.CreatingPolls {
			v.State = VolumeAvailable
		}
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) DeleteVolume(ctx context.Context, id string) error {
	if m.OnDeleteVolume != nil {
		if err := m.OnDeleteVolume(id); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "volume "+id+" not found")
	}
	if v.Attached() {
		return appErr.New(appErr.CodeConflict, "volume "+id+" is attached")
	}
	delete(m.volumes, id)
	return nil
}

func (m *Memory) UpdateVolume(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "volume "+id+" not found")
	}
	v.Name = name
	return nil
}

func (m *Memory) CreateSnapshot(ctx context.Context, volumeID, name, description string) (*Snapshot, error) {
	if m.OnCreateSnapshot != nil {
		if err := m.OnCreateSnapshot(volumeID, name); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.volumes[volumeID]; !ok {
		return nil, appErr.New(appErr.CodeNotFound, "volume "+volumeID+" not found")
	}
	s := &Snapshot{ID: m.nextID("snap"), Name: name, VolumeID: volumeID, Description: description, State: SnapshotCompleted}
	m.snapshots[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, appErr.New(appErr.CodeNotFound, "snapshot "+id+" not found")
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DeleteSnapshot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return appErr.New(appErr.CodeNotFound, "snapshot "+id+" not found")
	}
	delete(m.snapshots, id)
	return nil
}

// SetAttached marks a volume as held by a host, or releases it.
func (m *Memory) SetAttached(id string, attached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.volumes[id]; ok {
		if attached {
			v.State = VolumeAttached
		} else {
			v.State = VolumeAvailable
		}
	}
}

// VolumeCount returns the number of live volumes.
func (m *Memory) VolumeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.volumes)
}

// SnapshotCount returns the number of live snapshots.
func (m *Memory) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
