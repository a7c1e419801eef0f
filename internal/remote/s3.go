package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"drift/internal/errors"
	"drift/internal/index"
)

// s3API is the slice of the S3 client the store uses; tests substitute
// a conditional fake.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps bundles and indexes in an S3 bucket. Conditional puts
// (If-Match / If-None-Match) give the same check-and-append semantics
// the filesystem store gets from its lock file: a racing writer's stale
// write fails the precondition and surfaces as a Conflict.
type S3Store struct {
	client s3API
	bucket string
	prefix string

	// ETags observed at the last read or successful write of each index
	// object; the preconditions for the next conditional write. Single
	// active writer per sync attempt.
	baseETag  string
	deltaETag string
}

func NewS3Store(ctx context.Context, bucket, prefix, region string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewS3StoreWithClient wires an existing client, used by tests.
func NewS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		if key != "" {
			key += "/"
		}
		key += p
	}
	return key
}

// PutBundle uploads a bundle payload unless the name already exists.
func (s *S3Store) PutBundle(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key("bundles", name)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
		ContentType: aws.String("application/octet-stream"),
	})
	if isPreconditionFailed(err) {
		return nil // immutable: the name is taken, the content is final
	}
	if err != nil {
		return errors.Storage("uploading bundle "+name, err)
	}
	return nil
}

func (s *S3Store) GetBundle(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key("bundles", name)),
	})
	if isNoSuchKey(err) {
		return nil, errors.NotFound("bundle not found: " + name)
	}
	if err != nil {
		return nil, errors.Storage("fetching bundle "+name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Storage("reading bundle "+name, err)
	}
	return data, nil
}

func (s *S3Store) ReadBaseIndex(ctx context.Context) (*index.BaseIndex, error) {
	var base index.BaseIndex
	etag, err := s.readIndexObject(ctx, s.key("index", "base.json"), &base)
	if err != nil {
		return nil, err
	}
	s.baseETag = etag
	return &base, nil
}

func (s *S3Store) ReadDeltaIndex(ctx context.Context) (*index.DeltaIndex, error) {
	var delta index.DeltaIndex
	etag, err := s.readIndexObject(ctx, s.key("index", "delta.json"), &delta)
	if err != nil {
		return nil, err
	}
	s.deltaETag = etag
	return &delta, nil
}

// AppendDelta re-reads the delta, verifies the sequence expectation and
// writes back conditioned on the ETag it just read. Any interleaved
// writer flips the ETag and the put fails the precondition.
func (s *S3Store) AppendDelta(ctx context.Context, cs index.ChangeSet, expectLast uint64) error {
	base, err := s.ReadBaseIndex(ctx)
	if err != nil {
		return err
	}
	delta, err := s.ReadDeltaIndex(ctx)
	if err != nil {
		return err
	}

	if last := index.LastSequence(base, delta); last != expectLast {
		return errors.Conflict(fmt.Sprintf(
			"remote sequence advanced to %d, expected %d", last, expectLast))
	}

	delta.Changes = append(delta.Changes, cs)
	etag, err := s.writeIndexObject(ctx, s.key("index", "delta.json"), delta, s.deltaETag)
	if err != nil {
		return err
	}
	s.deltaETag = etag
	return nil
}

// ReplaceBase clears the delta before installing the new base. A crash
// between the two writes then leaves the old base with an empty delta,
// which only costs the compaction; the reverse order would leave a base
// ahead of a delta still holding its folded changesets, which no reader
// can replay.
func (s *S3Store) ReplaceBase(ctx context.Context, base *index.BaseIndex) error {
	etag, err := s.writeIndexObject(ctx, s.key("index", "delta.json"), &index.DeltaIndex{}, s.deltaETag)
	if err != nil {
		return err
	}
	s.deltaETag = etag

	etag, err = s.writeIndexObject(ctx, s.key("index", "base.json"), base, s.baseETag)
	if err != nil {
		return err
	}
	s.baseETag = etag
	return nil
}

// readIndexObject returns the object's ETag, or "" when it does not
// exist yet (fresh remote: v keeps its zero value).
func (s *S3Store) readIndexObject(ctx context.Context, key string, v any) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNoSuchKey(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Storage("fetching "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", errors.Storage("reading "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", fmt.Errorf("decoding %s: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

// writeIndexObject conditionally writes one index object and returns
// the ETag of the stored version, the precondition for the next write
// of the same key.
func (s *S3Store) writeIndexObject(ctx context.Context, key string, v any, etag string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}

	out, err := s.client.PutObject(ctx, input)
	if isPreconditionFailed(err) {
		return "", errors.Conflict("index changed under us: " + key)
	}
	if err != nil {
		return "", errors.Storage("writing "+key, err)
	}
	return aws.ToString(out.ETag), nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return stderrors.As(err, &nsk)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}
