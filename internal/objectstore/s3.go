package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitevault/internal/common"
	"github.com/ternarybob/sitevault/internal/interfaces"
)

const (
	// S3 floor for non-final multipart parts
	minPartSize = 5 * 1024 * 1024
	// S3 caps an upload at 10000 parts
	maxParts = 10000
)

// S3Store is an interfaces.ObjectStore backed by S3 or any S3-compatible
// service (R2, MinIO, Spaces)
type S3Store struct {
	client *s3.Client
	cfg    common.StorageConfig
	logger arbor.ILogger
}

// NewS3Store builds a client from the storage config. Credentials fall back
// to the default AWS chain when not set explicitly.
func NewS3Store(ctx context.Context, cfg common.StorageConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client: client,
		cfg:    cfg,
		logger: common.GetLogger().WithPrefix("s3"),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.cfg.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// partSizeFor picks the effective part size: at least the S3 minimum, at
// least the configured size, and large enough to fit under the part cap
func (s *S3Store) partSizeFor(total int64) int64 {
	size := s.cfg.PartSizeBytes
	if size < minPartSize {
		size = minPartSize
	}
	if need := (total + maxParts - 1) / maxParts; need > size {
		size = need
	}
	return size
}

func (s *S3Store) StreamPut(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress interfaces.PutProgressFunc) error {
	partSize := s.partSizeFor(size)

	// Small objects skip multipart entirely
	if size <= partSize {
		data, err := io.ReadAll(io.LimitReader(r, size))
		if err != nil {
			return fmt.Errorf("failed to read body for %s: %w", key, err)
		}
		if err := s.Put(ctx, key, data, contentType); err != nil {
			return err
		}
		if progress != nil {
			progress(int64(len(data)))
		}
		return nil
	}

	// The signature fallback must re-read bytes the multipart attempt
	// already consumed, so the source has to be seekable. Spool anything
	// else to a temp file first.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		spool, err := os.CreateTemp("", "sitevault-upload-*")
		if err != nil {
			return fmt.Errorf("failed to spool %s: %w", key, err)
		}
		defer os.Remove(spool.Name())
		defer spool.Close()
		if _, err := io.CopyN(spool, r, size); err != nil {
			return fmt.Errorf("failed to spool %s: %w", key, err)
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind spool for %s: %w", key, err)
		}
		body = spool
	}
	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to position %s: %w", key, err)
	}

	err = s.multipartPut(ctx, key, body, size, partSize, contentType, progress)
	if err == nil {
		return nil
	}

	// Some S3-compatible services reject streamed multipart signatures.
	// Retry as one buffered PUT when the object fits the fallback cap.
	if isSignatureError(err) && size <= s.cfg.BufferFallbackMaxBytes {
		s.logger.Warn().
			Str("key", key).
			Int64("size", size).
			Err(err).
			Msg("Multipart upload rejected, falling back to buffered PUT")
		if _, serr := body.Seek(start, io.SeekStart); serr != nil {
			return fmt.Errorf("failed to rewind %s for buffered fallback: %w", key, serr)
		}
		return s.bufferedPut(ctx, key, io.LimitReader(body, size), size, contentType, progress)
	}
	return err
}

func (s *S3Store) multipartPut(ctx context.Context, key string, r io.Reader, size, partSize int64, contentType string, progress interfaces.PutProgressFunc) error {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      &s.cfg.Bucket,
		Key:         &key,
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	uploadID := create.UploadId

	abort := func() {
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, aerr := s.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   &s.cfg.Bucket,
			Key:      &key,
			UploadId: uploadID,
		}); aerr != nil {
			s.logger.Warn().Str("key", key).Err(aerr).Msg("Failed to abort multipart upload")
		}
	}

	var completed []types.CompletedPart
	var uploaded int64
	buf := make([]byte, partSize)
	partNum := int32(1)

	for uploaded < size {
		want := partSize
		if remaining := size - uploaded; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF {
			abort()
			return fmt.Errorf("failed to read part %d for %s: %w", partNum, key, err)
		}
		if n == 0 {
			break
		}

		etag, err := s.uploadPartWithRetry(ctx, key, uploadID, partNum, buf[:n])
		if err != nil {
			abort()
			return err
		}

		num := partNum
		completed = append(completed, types.CompletedPart{ETag: etag, PartNumber: &num})
		uploaded += int64(n)
		partNum++

		if progress != nil {
			progress(uploaded)
		}

		// Smooth network usage between parts
		if s.cfg.PartDelay > 0 && uploaded < size {
			select {
			case <-ctx.Done():
				abort()
				return ctx.Err()
			case <-time.After(s.cfg.PartDelay):
			}
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &s.cfg.Bucket,
		Key:             &key,
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}

	s.logger.Debug().
		Str("key", key).
		Int64("size", size).
		Int("parts", len(completed)).
		Msg("Multipart upload complete")
	return nil
}

// uploadPartWithRetry attempts one part up to the configured attempt count
// with exponential backoff. Signature errors abort immediately so the
// caller can decide on the buffered fallback.
func (s *S3Store) uploadPartWithRetry(ctx context.Context, key string, uploadID *string, partNum int32, data []byte) (*string, error) {
	attempts := s.cfg.PartAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     &s.cfg.Bucket,
			Key:        &key,
			UploadId:   uploadID,
			PartNumber: &partNum,
			Body:       bytes.NewReader(data),
		})
		if err == nil {
			return out.ETag, nil
		}
		lastErr = err

		if isSignatureError(err) || !isRetryableUploadError(err) {
			break
		}
		if attempt == attempts {
			break
		}

		delay := s.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		s.logger.Warn().
			Str("key", key).
			Int("part", int(partNum)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Part upload failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("failed to upload part %d for %s: %w", partNum, key, lastErr)
}

// bufferedPut reads the whole object into memory and uploads it as one
// request. Only used for the signature-mismatch fallback.
func (s *S3Store) bufferedPut(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress interfaces.PutProgressFunc) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to buffer %s: %w", key, err)
	}
	if err := s.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if progress != nil {
		progress(size)
	}
	return nil
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissingError(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]interfaces.ObjectInfo, error) {
	var objects []interfaces.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.cfg.Bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := interfaces.ObjectInfo{}
			if obj.Key != nil {
				info.Key = *obj.Key
			}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissingError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) Size(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissingError(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to head %s: %w", key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil && !isMissingError(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) SizePrefix(ctx context.Context, prefix string) (int64, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	return total, nil
}

func (s *S3Store) MakeTempDir(jobID string) (string, error) {
	return makeTempDir(s.cfg.TempDir, jobID)
}

func (s *S3Store) PublicURL(key string) string {
	if s.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + key
}
