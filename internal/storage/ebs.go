package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	appErr "github.com/hubot-paas/orchestrator/pkg/errors"
)

// ec2API is the subset of the EC2 client used for EBS volumes.
type ec2API interface {
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	CreateSnapshot(ctx context.Context, in *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, in *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	DeleteSnapshot(ctx context.Context, in *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error)
}

type EBSOptions struct {
	Region           string
	AvailabilityZone string
	VolumeType       string
	AccessKeyID      string
	SecretAccessKey  string
	// Endpoint overrides the EC2 endpoint, for EC2 compatible clouds.
	Endpoint string
}

// EBS stores volumes as Elastic Block Store volumes in one availability zone.
// The logical volume name lives in the Name tag.
type EBS struct {
	api  ec2API
	opts EBSOptions
}

var _ Backend = (*EBS)(nil)

func NewEBS(ctx context.Context, opts EBSOptions) (*EBS, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newEBSWithAPI(client, opts), nil
}

func newEBSWithAPI(api ec2API, opts EBSOptions) *EBS {
	if opts.VolumeType == "" {
		opts.VolumeType = string(types.VolumeTypeGp3)
	}
	return &EBS{api: api, opts: opts}
}

func (e *EBS) ListVolumes(ctx context.Context, filter VolumeFilter) ([]Volume, error) {
	in := &ec2.DescribeVolumesInput{}
	if filter.Name != "" {
		in.Filters = []types.Filter{{Name: aws.String("tag:Name"), Values: []string{filter.Name}}}
	}
	var out []Volume
	p := ec2.NewDescribeVolumesPaginator(e.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, ebsError(err, "list volumes")
		}
		for _, v := range page.Volumes {
			out = append(out, fromEC2Volume(v))
		}
	}
	return out, nil
}

func (e *EBS) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(e.opts.AvailabilityZone),
		Size:             aws.Int32(int32(req.Size)),
		VolumeType:       types.VolumeType(e.opts.VolumeType),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeVolume,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(req.Name)}},
		}},
	}
	if req.SnapshotID != "" {
		in.SnapshotId = aws.String(req.SnapshotID)
	}
	res, err := e.api.CreateVolume(ctx, in)
	if err != nil {
		return nil, ebsError(err, "create volume "+req.Name)
	}
	return &Volume{
		ID:         aws.ToString(res.VolumeId),
		Name:       req.Name,
		Size:       int(aws.ToInt32(res.Size)),
		State:      volumeState(res.State),
		SnapshotID: aws.ToString(res.SnapshotId),
	}, nil
}

func (e *EBS) GetVolume(ctx context.Context, id string) (*Volume, error) {
	res, err := e.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return nil, ebsError(err, "get volume "+id)
	}
	if len(res.Volumes) == 0 {
		return nil, appErr.New(appErr.CodeNotFound, "volume "+id+" not found")
	}
	v := fromEC2Volume(res.Volumes[0])
	return &v, nil
}

func (e *EBS) DeleteVolume(ctx context.Context, id string) error {
	_, err := e.api.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	if err != nil {
		return ebsError(err, "delete volume "+id)
	}
	return nil
}

func (e *EBS) UpdateVolume(ctx context.Context, id, name string) error {
	_, err := e.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
	})
	if err != nil {
		return ebsError(err, "rename volume "+id)
	}
	return nil
}

func (e *EBS) CreateSnapshot(ctx context.Context, volumeID, name, description string) (*Snapshot, error) {
	res, err := e.api.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeSnapshot,
			Tags:         []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
		}},
	})
	if err != nil {
		return nil, ebsError(err, "snapshot volume "+volumeID)
	}
	return &Snapshot{
		ID:          aws.ToString(res.SnapshotId),
		Name:        name,
		VolumeID:    volumeID,
		Description: description,
		State:       snapshotState(res.State),
	}, nil
}

func (e *EBS) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	res, err := e.api.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{id}})
	if err != nil {
		return nil, ebsError(err, "get snapshot "+id)
	}
	if len(res.Snapshots) == 0 {
		return nil, appErr.New(appErr.CodeNotFound, "snapshot "+id+" not found")
	}
	s := res.Snapshots[0]
	return &Snapshot{
		ID:          aws.ToString(s.SnapshotId),
		Name:        tagValue(s.Tags, "Name"),
		VolumeID:    aws.ToString(s.VolumeId),
		Description: aws.ToString(s.Description),
		State:       snapshotState(s.State),
	}, nil
}

func (e *EBS) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := e.api.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(id)}); err != nil {
		return ebsError(err, "delete snapshot "+id)
	}
	return nil
}

func fromEC2Volume(v types.Volume) Volume {
	return Volume{
		ID:          aws.ToString(v.VolumeId),
		Name:        tagValue(v.Tags, "Name"),
		Size:        int(aws.ToInt32(v.Size)),
		State:       volumeState(v.State),
		MultiAttach: aws.ToBool(v.MultiAttachEnabled),
		SnapshotID:  aws.ToString(v.SnapshotId),
	}
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func volumeState(s types.VolumeState) VolumeState {
	switch s {
	case types.VolumeStateCreating:
		return VolumeCreating
	case types.VolumeStateAvailable:
		return VolumeAvailable
	case types.VolumeStateInUse:
		return VolumeAttached
	case types.VolumeStateDeleting, types.VolumeStateDeleted:
		return VolumeDeleting
	}
	return VolumeError
}

func snapshotState(s types.SnapshotState) SnapshotState {
	switch s {
	case types.SnapshotStateCompleted:
		return SnapshotCompleted
	case types.SnapshotStatePending:
		return SnapshotPending
	}
	return SnapshotError
}

// ebsError maps EC2 API error codes onto application codes.
func ebsError(err error, op string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidVolume.NotFound", "InvalidSnapshot.NotFound":
			return appErr.Wrap(err, appErr.CodeNotFound, op+" failed")
		case "VolumeInUse", "IncorrectState", "InvalidSnapshot.InUse":
			return appErr.Wrap(err, appErr.CodeConflict, op+" failed")
		case "InvalidParameterValue", "InvalidParameterCombination", "InvalidZone.NotFound":
			return appErr.Wrap(err, appErr.CodeInvalid, op+" failed")
		}
	}
	return appErr.Wrap(err, appErr.CodeUnavailable, op+" failed")
}
