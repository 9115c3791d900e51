// Package bucket implements the storage.bucket entity type: an S3
// bucket on an S3-compatible object store, driven through aws-sdk-go-v2.
//
// The SDK's typed errors carry the adoption semantics: a create that
// hits BucketAlreadyOwnedByYou or BucketAlreadyExists is classified as
// a conflict so the engine reroutes through adoption, a HeadBucket 404
// is a definitive absence, and a 403 on a foreign bucket aborts instead
// of being mistaken for "absent".
package bucket

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openmoor/moor/pkg/entity"
)

// TypeName is the registered entity type name.
const TypeName = "storage.bucket"

const artifactVersion = "1.0.4"

// API is the slice of the S3 surface this type drives. *s3.Client
// satisfies it.
type API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error)
}

// ClientConfig configures the S3 client for an S3-compatible endpoint.
type ClientConfig struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// NewClient builds an S3 client against an S3-compatible endpoint.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// bucketDefinition is the desired bucket shape. The bucket name is the
// instance name.
type bucketDefinition struct {
	Region     string `json:"region"`
	Versioning bool   `json:"versioning"`
}

// bucketState is the per-instance provider state.
type bucketState struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

// Descriptor returns the registration record for this type.
func Descriptor(api API) *entity.Descriptor {
	return &entity.Descriptor{
		Type:    TypeName,
		Version: artifactVersion,
		Summary: "S3 bucket on an S3-compatible object store",
		New:     func() entity.Entity { return &Bucket{api: api} },
	}
}

// Bucket implements the lifecycle hooks for storage.bucket.
type Bucket struct {
	api API
	def bucketDefinition
}

// Before validates the collaborators and the definition.
func (b *Bucket) Before(_ context.Context, inst *entity.Instance) error {
	if b.api == nil {
		return entity.NewInvalid("object store endpoint not configured", nil).
			WithEntity(inst.Ref()).WithOp("before")
	}
	return inst.Definition.Decode(&b.def)
}

// AdoptExisting probes for the bucket. When it exists and is ours the
// state binds it, and versioning is enabled as a non-destructive
// follow-up if the definition asks for it. A 403 surfaces as
// unauthorized: the name is taken by a foreign account and create must
// not proceed.
func (b *Bucket) AdoptExisting(ctx context.Context, inst *entity.Instance) (bool, error) {
	_, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(inst.Name)})
	if err != nil {
		cerr := classify(err, "adopt", inst.Name)
		if entity.IsNotFound(cerr) {
			return false, nil
		}
		return false, cerr
	}

	if b.def.Versioning {
		current, err := b.api.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
			Bucket: aws.String(inst.Name),
		})
		if err != nil {
			return false, classify(err, "adopt", inst.Name)
		}
		if current.Status != types.BucketVersioningStatusEnabled {
			if err := b.putVersioning(ctx, inst.Name, true); err != nil {
				return false, err
			}
		}
	}

	if err := inst.State.EncodeProvider(bucketState{
		Name:   inst.Name,
		Region: b.def.Region,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions the bucket and applies the versioning toggle.
func (b *Bucket) Create(ctx context.Context, inst *entity.Instance) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(inst.Name)}
	if b.def.Region != "" && b.def.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.def.Region),
		}
	}
	if _, err := b.api.CreateBucket(ctx, input); err != nil {
		return classify(err, "create", inst.Name)
	}

	if b.def.Versioning {
		if err := b.putVersioning(ctx, inst.Name, true); err != nil {
			return err
		}
	}

	return inst.State.EncodeProvider(bucketState{
		Name:   inst.Name,
		Region: b.def.Region,
	})
}

// Update applies the versioning toggle in both directions.
func (b *Bucket) Update(ctx context.Context, inst *entity.Instance) error {
	state, err := b.boundState(inst)
	if err != nil {
		return err
	}
	return b.putVersioning(ctx, state.Name, b.def.Versioning)
}

// Delete removes the bucket. A bucket that is already gone counts as
// deleted.
func (b *Bucket) Delete(ctx context.Context, inst *entity.Instance) error {
	var state bucketState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.Name == "" {
		return nil
	}
	if _, err := b.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(state.Name)}); err != nil {
		return classify(err, "delete", state.Name)
	}
	return nil
}

// CheckLiveness probes the bucket with a head request.
func (b *Bucket) CheckLiveness(ctx context.Context, inst *entity.Instance) (bool, error) {
	state, err := b.boundState(inst)
	if err != nil {
		return false, err
	}
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(state.Name)}); err != nil {
		return false, classify(err, "liveness", state.Name)
	}
	return true, nil
}

func (b *Bucket) putVersioning(ctx context.Context, name string, enabled bool) error {
	status := types.BucketVersioningStatusSuspended
	if enabled {
		status = types.BucketVersioningStatusEnabled
	}
	_, err := b.api.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(name),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: status,
		},
	})
	if err != nil {
		return classify(err, "versioning", name)
	}
	return nil
}

// boundState returns the provider state, failing when the instance
// holds no bucket.
func (b *Bucket) boundState(inst *entity.Instance) (bucketState, error) {
	var state bucketState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return state, err
	}
	if !bound || state.Name == "" {
		return state, entity.NewInvalid("no bucket bound to this instance", nil).
			WithEntity(inst.Ref()).WithOp("state")
	}
	return state, nil
}

// classify maps SDK errors onto engine error kinds. Typed S3 errors
// are checked first; S3-compatible services that skip the exact types
// are caught by API error code.
func classify(err error, op, bucket string) error {
	var owned *types.BucketAlreadyOwnedByYou
	var taken *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &taken) {
		return entity.NewConflict(fmt.Sprintf("bucket %s already exists", bucket), err).
			WithCode(entity.CodeAlreadyExists).WithOp(op)
	}

	var missing *types.NoSuchBucket
	var head *types.NotFound
	if errors.As(err, &missing) || errors.As(err, &head) {
		return entity.NewNotFound(fmt.Sprintf("bucket %s not found", bucket), err).
			WithCode(entity.CodeNotFound).WithOp(op)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return entity.NewConflict(fmt.Sprintf("bucket %s already exists", bucket), err).
				WithCode(entity.CodeAlreadyExists).WithOp(op)
		case "NoSuchBucket", "NotFound", "404":
			return entity.NewNotFound(fmt.Sprintf("bucket %s not found", bucket), err).
				WithCode(entity.CodeNotFound).WithOp(op)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return entity.NewUnauthorized(fmt.Sprintf("access to bucket %s denied", bucket), err).
				WithOp(op)
		case "SlowDown", "TooManyRequests":
			return entity.NewThrottled("object store rate limit hit", err).
				WithCode(entity.CodeRateLimited).WithOp(op)
		}
	}

	return entity.NewTransient(fmt.Sprintf("object store request for bucket %s failed", bucket), err).
		WithOp(op)
}
