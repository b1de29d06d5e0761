package aws_s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IliaW/crawl-ingestor/config"
	"github.com/IliaW/crawl-ingestor/internal/model"
	"github.com/IliaW/crawl-ingestor/internal/session"
	"github.com/IliaW/crawl-ingestor/internal/telemetry"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultCompressThreshold = 1024
	DefaultMaxConcurrentIO   = 16

	metaContentEncoding       = "content-encoding"
	metaOriginalContentLength = "original-content-length"
	metaContentSha256         = "content-sha256"
	metaCrawlerID             = "crawler-id"
	encodingGzip              = "gzip"
)

// ObjectAPI is the part of *s3.Client the object store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type BucketClient interface {
	Put(ctx context.Context, in PutInput) (model.ObjectRef, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

type PutInput struct {
	Bucket      string
	Key         string
	Body        []byte
	ContentType string
	Metadata    model.ObjectMetadata
	Compress    bool
}

type ObjectInfo struct {
	Metadata      map[string]string
	ContentLength int64
	ContentType   string
	ETag          string
	VersionID     string
	LastModified  time.Time
}

type Settings struct {
	CrawlerID         string
	CompressThreshold int
	SessionMaxAge     time.Duration
	MaxConcurrentIO   int64
	Now               func() time.Time
}

type S3BucketClient struct {
	session           *session.Holder[ObjectAPI]
	io                *semaphore.Weighted
	crawlerID         string
	compressThreshold int
	now               func() time.Time
	stats             *UploadStats
	metrics           *telemetry.StorageMetrics
}

// NewS3BucketClient connects with the service config and exits the process when s3 is unreachable.
func NewS3BucketClient(cfg *config.Config, metrics *telemetry.StorageMetrics) *S3BucketClient {
	slog.Info("connecting to s3...")
	factory := func(ctx context.Context) (ObjectAPI, error) {
		return connect(ctx, cfg.Env, cfg.S3Settings)
	}
	c := New(factory, Settings{
		CrawlerID:         cfg.CrawlerID,
		CompressThreshold: cfg.S3Settings.CompressThreshold,
		SessionMaxAge:     cfg.S3Settings.SessionMaxAge,
		MaxConcurrentIO:   cfg.S3Settings.MaxConcurrentIO,
	}, metrics)
	if err := c.Health(context.Background(), cfg.S3Settings.BucketName); err != nil {
		slog.Error("failed to connect to s3.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to s3!")

	return c
}

func New(factory session.Factory[ObjectAPI], settings Settings, metrics *telemetry.StorageMetrics) *S3BucketClient {
	if settings.CompressThreshold <= 0 {
		settings.CompressThreshold = DefaultCompressThreshold
	}
	if settings.MaxConcurrentIO <= 0 {
		settings.MaxConcurrentIO = DefaultMaxConcurrentIO
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if metrics == nil {
		metrics = telemetry.Noop().StorageMetrics
	}
	return &S3BucketClient{
		session:           session.NewHolder("s3", factory, settings.SessionMaxAge, settings.Now),
		io:                semaphore.NewWeighted(settings.MaxConcurrentIO),
		crawlerID:         settings.CrawlerID,
		compressThreshold: settings.CompressThreshold,
		now:               settings.Now,
		stats:             new(UploadStats),
		metrics:           metrics,
	}
}

// Put uploads the body with server-side encryption and a sha256 checksum.
// Bodies larger than the compress threshold are gzipped when in.Compress is set.
func (bc *S3BucketClient) Put(ctx context.Context, in PutInput) (model.ObjectRef, error) {
	bc.stats.attempt()
	start := bc.now()

	ref, stored, err := bc.put(ctx, in)
	elapsed := bc.now().Sub(start)
	if err != nil {
		bc.stats.fail(elapsed)
		bc.metrics.UploadFailCnt(1)
		slog.Error("failed to save object to s3.", slog.String("key", in.Key), slog.String("err", err.Error()))
		return model.ObjectRef{}, err
	}
	bc.stats.succeed(int64(stored), elapsed)
	bc.metrics.UploadSuccessCnt(1)
	bc.metrics.UploadedBytes(int64(stored))
	bc.metrics.UploadDuration(elapsed)
	slog.Debug("object saved to s3.", slog.String("key", in.Key), slog.Int("bytes", stored))

	return ref, nil
}

func (bc *S3BucketClient) put(ctx context.Context, in PutInput) (model.ObjectRef, int, error) {
	if in.Bucket == "" || in.Key == "" {
		return model.ObjectRef{}, 0, newStorageError("put", in.Bucket, in.Key, errors.New("bucket and key are required"))
	}
	body := in.Body
	meta := in.Metadata.ToMap()
	meta[metaCrawlerID] = bc.crawlerID
	if in.Compress && len(body) > bc.compressThreshold {
		compressed, err := gzipBytes(body)
		if err != nil {
			return model.ObjectRef{}, 0, newStorageError("put", in.Bucket, in.Key, fmt.Errorf("compress: %w", err))
		}
		meta[metaContentEncoding] = encodingGzip
		meta[metaOriginalContentLength] = strconv.Itoa(len(body))
		body = compressed
	}
	sum := sha256.Sum256(body)
	meta[metaContentSha256] = hex.EncodeToString(sum[:])

	var out *s3.PutObjectOutput
	err := bc.call(ctx, func(api ObjectAPI) error {
		var err error
		out, err = api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(in.Bucket),
			Key:                  aws.String(in.Key),
			Body:                 bytes.NewReader(body),
			ContentLength:        aws.Int64(int64(len(body))),
			ContentType:          aws.String(in.ContentType),
			Metadata:             meta,
			ServerSideEncryption: types.ServerSideEncryptionAes256,
			ChecksumSHA256:       aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		})
		return err
	})
	if err != nil {
		return model.ObjectRef{}, 0, newStorageError("put", in.Bucket, in.Key, err)
	}

	return model.ObjectRef{
		Bucket:      in.Bucket,
		Key:         in.Key,
		VersionID:   aws.ToString(out.VersionId),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: in.ContentType,
	}, len(body), nil
}

// Get downloads the object and reverses the compression applied by Put.
func (bc *S3BucketClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	var meta map[string]string
	err := bc.call(ctx, func(api ObjectAPI) error {
		out, err := api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		meta = out.Metadata
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, newStorageError("get", bucket, key, err)
	}

	if want := metaValue(meta, metaContentSha256); want != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return nil, &StorageError{Op: "get", Bucket: bucket, Key: key, Code: CodeChecksumMismatch,
				Err: errors.New("content hash does not match stored checksum")}
		}
	}
	if strings.EqualFold(metaValue(meta, metaContentEncoding), encodingGzip) {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, newStorageError("get", bucket, key, fmt.Errorf("decompress: %w", err))
		}
	}
	slog.Debug("object read from s3.", slog.String("key", key), slog.Int("bytes", len(data)))

	return data, nil
}

func (bc *S3BucketClient) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var out *s3.HeadObjectOutput
	err := bc.call(ctx, func(api ObjectAPI) error {
		var err error
		out, err = api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return ObjectInfo{}, newStorageError("head", bucket, key, err)
	}

	return ObjectInfo{
		Metadata:      out.Metadata,
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		ETag:          strings.Trim(aws.ToString(out.ETag), `"`),
		VersionID:     aws.ToString(out.VersionId),
		LastModified:  aws.ToTime(out.LastModified),
	}, nil
}

// Health checks that the bucket is reachable with the current session.
func (bc *S3BucketClient) Health(ctx context.Context, bucket string) error {
	err := bc.call(ctx, func(api ObjectAPI) error {
		_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	})
	if err != nil {
		return newStorageError("head-bucket", bucket, "", err)
	}
	return nil
}

func (bc *S3BucketClient) Stats() StorageStats {
	return bc.stats.Snapshot()
}

func (bc *S3BucketClient) SessionState() session.State {
	return bc.session.State()
}

// call runs fn on the current session while holding an io slot, so slow uploads cannot starve the pool.
func (bc *S3BucketClient) call(ctx context.Context, fn func(ObjectAPI) error) error {
	api, err := bc.session.Get(ctx)
	if err != nil {
		return err
	}
	if err := bc.io.Acquire(ctx, 1); err != nil {
		return err
	}
	defer bc.io.Release(1)
	err = fn(api)
	if err != nil && session.IsExpiredCredentials(ErrorCode(err)) {
		slog.Warn("s3 credentials expired. renewing session.", slog.String("err", err.Error()))
		bc.session.Invalidate()
	}
	return err
}

func metaValue(meta map[string]string, key string) string {
	if v, ok := meta[key]; ok {
		return v
	}
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func connect(ctx context.Context, env string, cfg *config.S3Config) (ObjectAPI, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(cfg.Region))
	if err != nil {
		slog.Error("failed to load s3 config.", slog.String("err", err.Error()))
		return nil, err
	}

	if env == "local" && cfg.AwsBaseEndpoint != "" {
		s3Config.BaseEndpoint = &cfg.AwsBaseEndpoint // for LocalStack
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack does not support `virtual host addressing style` that uses s3 by default.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
