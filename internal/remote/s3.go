package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	s3RetryMaxAttempts = 5
	s3DeleteBatchSize  = 1000
)

// S3Options configures the S3 backend. Credentials come from the standard AWS
// chain (environment, shared config, instance role).
type S3Options struct {
	Region         string
	Endpoint       string
	UsePathStyle   bool
	RequestTimeout time.Duration
}

// S3Store implements Store on Amazon S3 or any S3-compatible endpoint.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	timeout    time.Duration
}

// NewS3Store loads the default AWS configuration and builds a client.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(s3RetryMaxAttempts),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		timeout:    opts.RequestTimeout,
	}, nil
}

func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.ListObjectsV2(opCtx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(loc.Bucket),
		Prefix:  aws.String(loc.dirPrefix()),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, wrapOpError(ctx, "exists", uri, err, s3Transient(err))
	}
	if aws.ToInt32(out.KeyCount) > 0 {
		return true, nil
	}
	if loc.Key == "" {
		return false, nil
	}

	_, err = s.client.HeadObject(opCtx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, wrapOpError(ctx, "exists", uri, err, s3Transient(err))
}

func (s *S3Store) List(ctx context.Context, uri string) ([]Object, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	prefix := loc.dirPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(prefix),
	})
	var objects []Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(opCtx)
		if err != nil {
			return nil, wrapOpError(ctx, "list", uri, err, s3Transient(err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, Object{
				URI:     Location{Scheme: "s3", Bucket: loc.Bucket, Key: key}.String(),
				Key:     relativeKey(prefix, key),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

func (s *S3Store) DownloadPrefix(ctx context.Context, uri, localDir string, filter Filter) error {
	objects, err := s.List(ctx, uri)
	if err != nil {
		return err
	}
	loc, _ := ParseURI(uri)
	for _, obj := range objects {
		if obj.Key == "" || !filter.match(obj.Key) {
			continue
		}
		if err := s.downloadObject(ctx, loc.Bucket, path.Join(loc.Key, obj.Key), filepath.Join(localDir, filepath.FromSlash(obj.Key))); err != nil {
			return wrapOpError(ctx, "download", obj.URI, err, s3Transient(err))
		}
	}
	return nil
}

func (s *S3Store) downloadObject(ctx context.Context, bucket, key, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.downloader.Download(opCtx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(target)
		return err
	}
	return closeErr
}

func (s *S3Store) UploadPrefix(ctx context.Context, localDir, uri string, filter Filter) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	files, err := localFiles(localDir, filter)
	if err != nil {
		return wrapOpError(ctx, "upload", localDir, err, false)
	}
	for _, rel := range files {
		key := path.Join(loc.Key, rel)
		if err := s.uploadObject(ctx, loc.Bucket, key, filepath.Join(localDir, filepath.FromSlash(rel))); err != nil {
			target := Location{Scheme: "s3", Bucket: loc.Bucket, Key: key}.String()
			return wrapOpError(ctx, "upload", target, err, s3Transient(err))
		}
	}
	return nil
}

func (s *S3Store) uploadObject(ctx context.Context, bucket, key, source string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.uploader.Upload(opCtx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	return err
}

func (s *S3Store) Delete(ctx context.Context, uri string) error {
	loc, err := ParseURI(uri)
	if err != nil {
		return err
	}
	objects, err := s.List(ctx, uri)
	if err != nil {
		return err
	}
	ids := make([]types.ObjectIdentifier, 0, len(objects)+1)
	for _, obj := range objects {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(path.Join(loc.Key, obj.Key))})
	}
	if loc.Key != "" {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(loc.Key)})
	}

	opCtx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	for start := 0; start < len(ids); start += s3DeleteBatchSize {
		end := min(start+s3DeleteBatchSize, len(ids))
		_, err := s.client.DeleteObjects(opCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(loc.Bucket),
			Delete: &types.Delete{Objects: ids[start:end], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return wrapOpError(ctx, "delete", uri, err, s3Transient(err))
		}
	}
	return nil
}

// s3Transient treats client faults (bad credentials, missing bucket, denied
// access) as permanent and everything else as worth retrying later.
func s3Transient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "Throttling", "ThrottlingException":
			return true
		}
		return apiErr.ErrorFault() != smithy.FaultClient
	}
	var pathErr *os.PathError
	return !errors.As(err, &pathErr)
}
