package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/voxlore/audio-ingest/internal/platform/envutil"
	"github.com/voxlore/audio-ingest/internal/platform/logger"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string

	// MaxObjectBytes caps the size of any single download.
	MaxObjectBytes int64
}

func ResolveConfigFromEnv() (Config, error) {
	endpoint := envutil.Str("MINIO_ENDPOINT", "")
	if endpoint == "" {
		return Config{}, fmt.Errorf("MINIO_ENDPOINT is required")
	}
	return Config{
		Endpoint:       endpoint,
		AccessKey:      envutil.Str("MINIO_ACCESS_KEY", envutil.Str("MINIO_ROOT_USER", "")),
		SecretKey:      envutil.Str("MINIO_SECRET_KEY", envutil.Str("MINIO_ROOT_PASSWORD", "")),
		UseSSL:         envutil.Bool("MINIO_USE_SSL", false),
		Region:         envutil.Str("MINIO_REGION", "us-east-1"),
		MaxObjectBytes: envutil.Int64("MAX_ARCHIVE_BYTES", 5<<30),
	}, nil
}

// Error codes distinguish the retry decision upstream: transport trouble is
// retryable, a missing key is not.
var (
	ErrNotFound = errors.New("object not found")
	ErrTooLarge = errors.New("object exceeds size cap")
)

type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("object store unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

type Client struct {
	log *logger.Logger
	cfg Config
	mc  *minio.Client
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return &Client{
		log: log.With("service", "ObjectStoreClient", "endpoint", cfg.Endpoint),
		cfg: cfg,
		mc:  mc,
	}, nil
}

// DownloadToFile streams bucket/key into destPath and returns the object
// size. The size cap is enforced both from the stat and while copying, so a
// lying Content-Length cannot blow the disk.
func (c *Client) DownloadToFile(ctx context.Context, bucket, key, destPath string) (int64, error) {
	stat, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, classify(err)
	}
	if c.cfg.MaxObjectBytes > 0 && stat.Size > c.cfg.MaxObjectBytes {
		return 0, fmt.Errorf("%w: %d bytes (cap %d)", ErrTooLarge, stat.Size, c.cfg.MaxObjectBytes)
	}

	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, classify(err)
	}
	defer obj.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	limit := c.cfg.MaxObjectBytes
	if limit <= 0 {
		limit = 5 << 30
	}
	n, err := io.Copy(f, io.LimitReader(obj, limit+1))
	if err != nil {
		return 0, classify(err)
	}
	if n > limit {
		return 0, fmt.Errorf("%w: stream exceeded %d bytes", ErrTooLarge, limit)
	}
	return n, nil
}

func classify(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, resp.Key)
		}
		if resp.StatusCode >= 500 {
			return &UnavailableError{Cause: err}
		}
		return err
	}
	// Anything without a well-formed S3 error response is transport
	// trouble.
	return &UnavailableError{Cause: err}
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}
