package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// s3DigestMetadata is the user metadata key (x-amz-meta-sha256) holding
// the module's declared digest.
const s3DigestMetadata = "sha256"

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the object-store client. Empty fields fall back to
// the default AWS credential chain and endpoint.
type S3Config struct {
	Region       string `mapstructure:"region" yaml:"region"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// S3Source reads modules from S3-compatible object stores. The client is
// built on first use so hosts without S3 plugins never load AWS config.
type S3Source struct {
	cfg     S3Config
	once    sync.Once
	client  S3API
	initErr error
	maxSize int64
}

var _ ports.ArtifactSource = (*S3Source)(nil)

// NewS3Source creates an object-store source.
func NewS3Source(cfg S3Config) *S3Source {
	return &S3Source{cfg: cfg, maxSize: DefaultMaxDownloadSize}
}

// NewS3SourceWithClient creates a source around an existing client.
func NewS3SourceWithClient(client S3API) *S3Source {
	s := &S3Source{client: client, maxSize: DefaultMaxDownloadSize}
	s.once.Do(func() {})
	return s
}

// Schemes implements ports.ArtifactSource.
func (s *S3Source) Schemes() []values.Scheme {
	return []values.Scheme{values.SchemeS3}
}

// Identify reads the object's declared digest from its metadata.
func (s *S3Source) Identify(ctx context.Context, loc values.Location) (ports.SourceIdentity, error) {
	client, bucket, key, err := s.target(ctx, loc)
	if err != nil {
		return ports.SourceIdentity{}, err
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ports.SourceIdentity{}, s3Error(loc, err)
	}

	var id ports.SourceIdentity
	if raw, ok := head.Metadata[s3DigestMetadata]; ok && raw != "" {
		d, err := values.ParseDigest(raw)
		if err != nil {
			return ports.SourceIdentity{}, apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(), fmt.Errorf("object metadata: %w", err))
		}
		id.Declared = d
	}
	return id, nil
}

// Fetch implements ports.ArtifactSource.
func (s *S3Source) Fetch(ctx context.Context, loc values.Location, _ ports.SourceIdentity) ([]byte, error) {
	client, bucket, key, err := s.target(ctx, loc)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(loc, err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return nil, apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(), fmt.Errorf("object exceeds %d bytes", s.maxSize))
	}
	return data, nil
}

func (s *S3Source) target(ctx context.Context, loc values.Location) (S3API, string, string, error) {
	bucket, key, ok := strings.Cut(loc.Address(), "/")
	if !ok || bucket == "" || key == "" {
		return nil, "", "", apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), errors.New("expected s3://bucket/key"))
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, "", "", apperrors.NewFetchError("", apperrors.CauseAuthentication, loc.String(), err)
	}
	return client, bucket, key, nil
}

func (s *S3Source) getClient(ctx context.Context) (S3API, error) {
	s.once.Do(func() {
		opts := []func(*config.LoadOptions) error{}
		if s.cfg.Region != "" {
			opts = append(opts, config.WithRegion(s.cfg.Region))
		}
		if s.cfg.AccessKey != "" && s.cfg.SecretKey != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.cfg.AccessKey, s.cfg.SecretKey, ""),
			))
		}
		awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if s.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			}
			o.UsePathStyle = s.cfg.UsePathStyle
		})
	})
	return s.client, s.initErr
}

func s3Error(loc values.Location, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return apperrors.NewFetchError("", apperrors.CauseAuthentication, loc.String(), err)
		}
	}
	return apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
}
