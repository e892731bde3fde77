package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

type HCloudOptions struct {
	Token    string
	Location string
	// Endpoint overrides the API endpoint, used by tests.
	Endpoint string
}

// HCloud stores volumes as Hetzner Cloud volumes. The API has no volume
// snapshots, so snapshot calls report CodeUnsupported.
type HCloud struct {
	client   *hcloud.Client
	location string
}

var _ Backend = (*HCloud)(nil)

func NewHCloud(opts HCloudOptions) *HCloud {
	clientOpts := []hcloud.ClientOption{
		hcloud.WithToken(opts.Token),
		hcloud.WithApplication("hubot-orchestrator", ""),
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, hcloud.WithEndpoint(opts.Endpoint))
	}
	return &HCloud{client: hcloud.NewClient(clientOpts...), location: opts.Location}
}

func (h *HCloud) ListVolumes(ctx context.Context, filter VolumeFilter) ([]Volume, error) {
	vols, err := h.client.Volume.AllWithOpts(ctx, hcloud.VolumeListOpts{Name: filter.Name})
	if err != nil {
		return nil, hcloudError(err, "list volumes")
	}
	out := make([]Volume, 0, len(vols))
	for _, v := range vols {
		out = append(out, fromHCloudVolume(v))
	}
	return out, nil
}

func (h *HCloud) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	if req.SnapshotID != "" {
		return nil, appErr.New(appErr.CodeUnsupported, "hcloud volumes cannot be created from snapshots")
	}
	res, _, err := h.client.Volume.Create(ctx, hcloud.VolumeCreateOpts{
		Name:     req.Name,
		Size:     req.Size,
		Location: &hcloud.Location{Name: h.location},
		Labels:   map[string]string{"managed-by": "hubot"},
	})
	if err != nil {
		return nil, hcloudError(err, "create volume "+req.Name)
	}
	v := fromHCloudVolume(res.Volume)
	return &v, nil
}

func (h *HCloud) get(ctx context.Context, id string) (*hcloud.Volume, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeNotFound, "volume "+id+" not found")
	}
	v, _, err := h.client.Volume.GetByID(ctx, n)
	if err != nil {
		return nil, hcloudError(err, "get volume "+id)
	}
	if v == nil {
		return nil, appErr.New(appErr.CodeNotFound, "volume "+id+" not found")
	}
	return v, nil
}

func (h *HCloud) GetVolume(ctx context.Context, id string) (*Volume, error) {
	v, err := h.get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := fromHCloudVolume(v)
	return &out, nil
}

func (h *HCloud) DeleteVolume(ctx context.Context, id string) error {
	v, err := h.get(ctx, id)
	if err != nil {
		return err
	}
	if v.Server != nil {
		return appErr.New(appErr.CodeConflict, "volume "+id+" is attached")
	}
	if _, err := h.client.Volume.Delete(ctx, v); err != nil {
		return hcloudError(err, "delete volume "+id)
	}
	return nil
}

func (h *HCloud) UpdateVolume(ctx context.Context, id, name string) error {
	v, err := h.get(ctx, id)
	if err != nil {
		return err
	}
	if _, _, err := h.client.Volume.Update(ctx, v, hcloud.VolumeUpdateOpts{Name: name}); err != nil {
		return hcloudError(err, "rename volume "+id)
	}
	return nil
}

func (h *HCloud) CreateSnapshot(ctx context.Context, volumeID, name, description string) (*Snapshot, error) {
	return nil, appErr.New(appErr.CodeUnsupported, "hcloud has no volume snapshots")
}

func (h *HCloud) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return nil, appErr.New(appErr.CodeUnsupported, "hcloud has no volume snapshots")
}

func (h *HCloud) DeleteSnapshot(ctx context.Context, id string) error {
	return appErr.New(appErr.CodeUnsupported, "hcloud has no volume snapshots")
}

func fromHCloudVolume(v *hcloud.Volume) Volume {
	out := Volume{
		ID:   strconv.FormatInt(v.ID, 10),
		Name: v.Name,
		Size: v.Size,
	}
	switch {
	case v.Server != nil:
		out.State = VolumeAttached
	case v.Status == hcloud.VolumeStatusCreating:
		out.State = VolumeCreating
	case v.Status == hcloud.VolumeStatusAvailable:
		out.State = VolumeAvailable
	default:
		out.State = VolumeError
	}
	return out
}

func hcloudError(err error, op string) error {
	var herr hcloud.Error
	if errors.As(err, &herr) {
		switch herr.Code {
		case hcloud.ErrorCodeNotFound:
			return appErr.Wrap(err, appErr.CodeNotFound, op+" failed")
		case hcloud.ErrorCodeResourceLocked, hcloud.ErrorCodeLocked, hcloud.ErrorCodeConflict:
			return appErr.Wrap(err, appErr.CodeConflict, op+" failed")
		case hcloud.ErrorCodeInvalidInput, hcloud.ErrorCodeUniquenessError:
			return appErr.Wrap(err, appErr.CodeInvalid, op+" failed")
		}
	}
	return appErr.Wrap(err, appErr.CodeUnavailable, op+" failed")
}
