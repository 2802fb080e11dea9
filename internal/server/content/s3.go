package content

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"rammingen-go/internal/proto"
)

// S3 stores blobs as objects <prefix>/<hex hash> in one bucket.
// Uploads are spooled to a local temp file first so the claimed hash is
// verified before any bytes reach the bucket.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Store = (*S3)(nil)

// NewS3 creates an S3-backed store. Credentials come from the default AWS
// credential chain.
func NewS3(bucket, prefix, region string) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 content store requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (s *S3) key(hash proto.ContentHash) string {
	return path.Join(s.prefix, hash.Hex())
}

func (s *S3) Put(hash proto.ContentHash, r io.Reader) (bool, error) {
	existed, err := s.Exists(hash)
	if err != nil {
		return false, err
	}

	spool, err := os.CreateTemp("", ".rammingen-s3-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, hasher), r); err != nil {
		return false, fmt.Errorf("spooling blob: %w", err)
	}
	if actual := proto.ContentHash(hasher.Sum(nil)); !actual.Equal(hash) {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash.Hex(), actual.Hex())
	}
	if existed {
		return true, nil
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("rewinding blob: %w", err)
	}

	_, err = s.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
		Body:   spool,
	})
	if err != nil {
		return false, fmt.Errorf("uploading blob: %w", err)
	}
	return false, nil
}

func (s *S3) Open(hash proto.ContentHash) (io.ReadCloser, error) {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("getting blob: %w", err)
	}
	return out.Body, nil
}

func (s *S3) Exists(hash proto.ContentHash) (bool, error) {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob: %w", err)
	}
	return true, nil
}

func (s *S3) Delete(hash proto.ContentHash) error {
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

func (s *S3) Size(hash proto.ContentHash) (int64, error) {
	out, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		return 0, fmt.Errorf("checking blob: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3) AvailableSpace() (uint64, error) { return 0, nil }

func (s *S3) Hashes() ([]proto.ContentHash, error) {
	var hashes []proto.ContentHash
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("listing blobs: %w", err)
		}
		for _, obj := range page.Contents {
			hash, err := proto.ContentHashFromHex(path.Base(aws.ToString(obj.Key)))
			if err != nil {
				return nil, fmt.Errorf("unexpected object in bucket: %s", aws.ToString(obj.Key))
			}
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}
