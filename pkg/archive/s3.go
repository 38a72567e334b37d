package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the slice of the S3 client the driver uses, split out so tests can
// substitute an in-memory implementation.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Driver stores artifacts in an S3 (or S3-compatible) bucket.
type S3Driver struct {
	client   s3API
	bucket   string
	prefix   string
	download bool
	upload   bool
	noFail   bool
}

type S3Option func(*S3Driver)

func S3NoDownload() S3Option { return func(d *S3Driver) { d.download = false } }

func S3NoUpload() S3Option { return func(d *S3Driver) { d.upload = false } }

func S3NoFail() S3Option { return func(d *S3Driver) { d.noFail = true } }

// S3Config is the user-facing archive backend configuration.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// NewS3Driver builds a driver from the backend configuration. Credentials
// fall back to the default AWS chain when not given explicitly.
func NewS3Driver(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3DriverWithClient(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

func NewS3DriverWithClient(client s3API, bucket, prefix string, opts ...S3Option) *S3Driver {
	d := &S3Driver{
		client:   client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		download: true,
		upload:   true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *S3Driver) Name() string {
	if d.prefix == "" {
		return "s3(" + d.bucket + ")"
	}
	return "s3(" + d.bucket + "/" + d.prefix + ")"
}

func (d *S3Driver) CanDownload() bool { return d.download }

func (d *S3Driver) CanUpload() bool { return d.upload }

func (d *S3Driver) NoFail() bool { return d.noFail }

func (d *S3Driver) key(rel string) string {
	if d.prefix == "" {
		return rel
	}
	return path.Join(d.prefix, rel)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func (d *S3Driver) Fetch(ctx context.Context, buildID, destPath string) (bool, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(artifactRelPath(buildID))),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	defer out.Body.Close()

	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}

func (d *S3Driver) Store(ctx context.Context, buildID, srcPath string) error {
	key := d.key(artifactRelPath(buildID))

	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		// first writer wins
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// a PUT is atomic on S3: the object appears complete or not at all
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func (d *S3Driver) GetMapping(ctx context.Context, kind, key string) (string, bool, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(mappingRelPath(kind, key))),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (d *S3Driver) PutMapping(ctx context.Context, kind, key, value string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(mappingRelPath(kind, key))),
		Body:   strings.NewReader(value),
	})
	return err
}
