// Package attachment validates evidence references attached to decisions.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"approval-workflow-engine/internal/config"
	"approval-workflow-engine/internal/models"
)

// objectHeader is the slice of the S3 API the validator needs.
type objectHeader interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Validator accepts http/https URLs with a host and s3://bucket/key refs.
// With an S3 client configured, s3 refs must name an existing object.
type Validator struct {
	schemes []string
	s3      objectHeader
}

// NewValidator builds a validator from config. The S3 client is only
// created when ATTACHMENT_VERIFY_S3 is enabled.
func NewValidator(ctx context.Context, cfg config.Config) (*Validator, error) {
	v := &Validator{schemes: cfg.AttachmentSchemes}
	if cfg.AttachmentVerifyS3 {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		v.s3 = client
	}
	return v, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AttachmentS3Region),
	}
	if cfg.AttachmentS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AttachmentS3Endpoint,
					HostnameImmutable: cfg.AttachmentS3PathStyle,
					SigningRegion:     cfg.AttachmentS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AttachmentS3PathStyle
	}), nil
}

// Validate returns the trimmed reference or an error wrapping
// models.ErrInvalidAttachment.
func (v *Validator) Validate(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute reference", models.ErrInvalidAttachment, ref)
	}
	scheme := strings.ToLower(u.Scheme)
	if len(v.schemes) > 0 && !slices.Contains(v.schemes, scheme) {
		return "", fmt.Errorf("%w: scheme %q not allowed", models.ErrInvalidAttachment, u.Scheme)
	}
	switch scheme {
	case "http", "https":
		return ref, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return "", fmt.Errorf("%w: s3 reference needs bucket and key", models.ErrInvalidAttachment)
		}
		if v.s3 != nil {
			if err := v.headObject(ctx, u.Host, key); err != nil {
				return "", err
			}
		}
		return ref, nil
	}
	return "", fmt.Errorf("%w: unsupported scheme %q", models.ErrInvalidAttachment, u.Scheme)
}

func (v *Validator) headObject(ctx context.Context, bucket, key string) error {
	_, err := v.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "Forbidden", "AccessDenied":
			return fmt.Errorf("%w: s3://%s/%s: %s", models.ErrInvalidAttachment, bucket, key, apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("head s3 object: %w", err)
}
