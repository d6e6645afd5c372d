// Package s3store implements resumable uploads on native S3 multipart
// uploads via the minio-go client. It serves s3:// destinations,
// including S3-compatible stores such as MinIO.
//
// # Destination URLs
//
// Connection settings come from the backend options and can be
// overridden per destination through query parameters:
//
//	s3://bucket/key
//	s3://bucket/key?endpoint=http://localhost:9000&use_path_style=true&disable_https=true&region=us-east-1
//
// # Credentials
//
// Static credentials from the backend options win. Otherwise the usual
// chain applies: AWS environment variables, MinIO environment
// variables, then the shared AWS credentials file.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/stowage-dev/stowage/pkg/upload"
)

// S3 rejects multipart parts under 5 MiB except the last one.
const minPartSize = 5 * 1024 * 1024

const defaultEndpoint = "s3.amazonaws.com"

// Options configures how the backend reaches the store.
type Options struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
	DisableHTTPS bool   `mapstructure:"disable_https"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// Backend drives native multipart uploads. Safe for concurrent use;
// clients are cached per endpoint configuration.
type Backend struct {
	log  zerolog.Logger
	opts Options

	mu      sync.Mutex
	clients map[string]*minio.Core
}

// New returns a multipart upload backend.
func New(opts Options, log zerolog.Logger) *Backend {
	return &Backend{
		log:     log,
		opts:    opts,
		clients: make(map[string]*minio.Core),
	}
}

// MinPartSize reports the smallest part the store accepts.
func (b *Backend) MinPartSize() int64 { return minPartSize }

// target is the fully resolved connection configuration for one
// destination.
type target struct {
	host         string
	secure       bool
	region       string
	usePathStyle bool
}

// resolve merges backend options with per-destination query parameters.
func (b *Backend) resolve(dest upload.Destination) (target, error) {
	opts := b.opts
	if v := dest.Params.Get("endpoint"); v != "" {
		opts.Endpoint = v
	}
	if v := dest.Params.Get("region"); v != "" {
		opts.Region = v
	}
	if dest.Params.Has("disable_https") {
		opts.DisableHTTPS = dest.Params.Get("disable_https") == "true"
	}
	if dest.Params.Has("use_path_style") {
		opts.UsePathStyle = dest.Params.Get("use_path_style") == "true"
	}

	host, secure, err := splitEndpoint(opts.Endpoint, opts.DisableHTTPS)
	if err != nil {
		return target{}, err
	}
	return target{
		host:         host,
		secure:       secure,
		region:       opts.Region,
		usePathStyle: opts.UsePathStyle,
	}, nil
}

// splitEndpoint normalizes an endpoint that may carry a scheme. A
// scheme in the endpoint decides TLS; otherwise disableHTTPS does.
func splitEndpoint(endpoint string, disableHTTPS bool) (host string, secure bool, err error) {
	switch {
	case endpoint == "":
		return defaultEndpoint, !disableHTTPS, nil
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true, nil
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false, nil
	case strings.Contains(endpoint, "://"):
		return "", false, fmt.Errorf("s3store: unsupported endpoint scheme in %q", endpoint)
	default:
		return endpoint, !disableHTTPS, nil
	}
}

func (b *Backend) client(dest upload.Destination) (*minio.Core, error) {
	tgt, err := b.resolve(dest)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%t|%s|%t", tgt.host, tgt.secure, tgt.region, tgt.usePathStyle)

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[key]; ok {
		return c, nil
	}

	var creds *credentials.Credentials
	if b.opts.AccessKey != "" {
		creds = credentials.NewStaticV4(b.opts.AccessKey, b.opts.SecretKey, b.opts.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}

	lookup := minio.BucketLookupAuto
	if tgt.usePathStyle {
		lookup = minio.BucketLookupPath
	}

	c, err := minio.NewCore(tgt.host, &minio.Options{
		Creds:        creds,
		Secure:       tgt.secure,
		Region:       tgt.region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: new client: %w", err)
	}
	b.clients[key] = c
	return c, nil
}

// Initiate starts a multipart upload for the destination object.
func (b *Backend) Initiate(ctx context.Context, dest upload.Destination, opts upload.InitOptions) (upload.Session, error) {
	c, err := b.client(dest)
	if err != nil {
		return nil, err
	}

	uploadID, err := c.NewMultipartUpload(ctx, dest.Bucket, dest.Key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return nil, mapErr("initiate multipart upload", err)
	}

	s := &session{
		client: c,
		bucket: dest.Bucket,
		key:    dest.Key,
		tok: upload.Token{
			Scheme:      dest.Scheme,
			UploadID:    uploadID,
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
		},
	}
	s.log = b.log.With().Str("upload_id", uploadID).Str("bucket", s.bucket).Str("key", s.key).Logger()
	s.log.Debug().Msg("multipart upload initiated")
	return s, nil
}

// Reopen checks token against the parts the store reports for the
// upload ID and continues it. A gone upload ID cannot be resumed; parts
// the store reports differently from the token are a mismatch.
func (b *Backend) Reopen(ctx context.Context, dest upload.Destination, token upload.Token) (upload.Session, error) {
	if token.UploadID == "" {
		return nil, upload.ErrUploadExpired
	}

	c, err := b.client(dest)
	if err != nil {
		return nil, err
	}

	remote := make(map[int]minio.ObjectPart)
	marker := 0
	for {
		res, err := c.ListObjectParts(ctx, dest.Bucket, dest.Key, token.UploadID, marker, 1000)
		if err != nil {
			return nil, mapErr("list parts", err)
		}
		for _, p := range res.ObjectParts {
			remote[p.PartNumber] = p
		}
		if !res.IsTruncated {
			break
		}
		marker = res.NextPartNumberMarker
	}

	for _, p := range token.Parts {
		rp, ok := remote[p.Number]
		if !ok {
			return nil, fmt.Errorf("%w: part %d recorded but not reported by store", upload.ErrPartMismatch, p.Number)
		}
		if rp.Size != p.Size {
			return nil, fmt.Errorf("%w: part %d stored as %d bytes, token says %d",
				upload.ErrPartMismatch, p.Number, rp.Size, p.Size)
		}
		if p.ETag != "" && !sameETag(rp.ETag, p.ETag) {
			return nil, fmt.Errorf("%w: part %d etag %s, token says %s",
				upload.ErrPartMismatch, p.Number, rp.ETag, p.ETag)
		}
	}

	s := &session{
		client: c,
		bucket: dest.Bucket,
		key:    dest.Key,
		tok:    token,
	}
	s.log = b.log.With().Str("upload_id", token.UploadID).Str("bucket", s.bucket).Str("key", s.key).Logger()
	s.log.Debug().Int("parts", len(token.Parts)).Msg("multipart upload reopened")
	return s, nil
}

type session struct {
	client *minio.Core
	bucket string
	key    string
	tok    upload.Token
	log    zerolog.Logger
}

func (s *session) Token() upload.Token {
	tok := s.tok
	tok.Parts = append([]upload.Part(nil), s.tok.Parts...)
	return tok
}

// WritePart uploads one part. The store only registers a part once it
// is fully received, so a failed call leaves nothing to undo and the
// same part number can be sent again.
func (s *session) WritePart(ctx context.Context, number int, r io.Reader, size int64) (upload.Part, error) {
	if number != s.tok.NextPart() {
		return upload.Part{}, fmt.Errorf("s3store: part %d out of order, next is %d", number, s.tok.NextPart())
	}

	hash := sha256.New()
	obj, err := s.client.PutObjectPart(ctx, s.bucket, s.key, s.tok.UploadID, number,
		io.TeeReader(r, hash), size, minio.PutObjectPartOptions{})
	if err != nil {
		return upload.Part{}, mapErr("write part", err)
	}

	p := upload.Part{
		Number: number,
		Size:   obj.Size,
		ETag:   obj.ETag,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}
	s.tok.Parts = append(s.tok.Parts, p)

	s.log.Debug().Int("part", number).Int64("size", obj.Size).Msg("part uploaded")
	return p, nil
}

// Complete commits the multipart upload. S3 refuses zero-part
// completions, so an empty transfer falls back to putting an empty
// object directly, with the attributes the token recorded at
// initiation so a reopened session commits the same object.
func (s *session) Complete(ctx context.Context) error {
	if len(s.tok.Parts) == 0 {
		if err := s.abortUpload(ctx); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(nil), 0, "", "", minio.PutObjectOptions{
			ContentType:  s.tok.ContentType,
			UserMetadata: s.tok.Metadata,
		})
		if err != nil {
			return mapErr("put empty object", err)
		}
		s.log.Info().Msg("empty object committed")
		return nil
	}

	parts := make([]minio.CompletePart, len(s.tok.Parts))
	for i, p := range s.tok.Parts {
		parts[i] = minio.CompletePart{PartNumber: p.Number, ETag: p.ETag}
	}
	if _, err := s.client.CompleteMultipartUpload(ctx, s.bucket, s.key, s.tok.UploadID, parts, minio.PutObjectOptions{}); err != nil {
		return mapErr("complete multipart upload", err)
	}

	s.log.Info().Int("parts", len(parts)).Int64("bytes", s.tok.Committed()).Msg("multipart upload completed")
	return nil
}

// Abort discards the upload and its parts. Aborting an upload the store
// already dropped succeeds.
func (s *session) Abort(ctx context.Context) error {
	if err := s.abortUpload(ctx); err != nil {
		return err
	}
	s.log.Info().Msg("multipart upload aborted")
	return nil
}

func (s *session) abortUpload(ctx context.Context) error {
	err := s.client.AbortMultipartUpload(ctx, s.bucket, s.key, s.tok.UploadID)
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchUpload" {
		return mapErr("abort multipart upload", err)
	}
	return nil
}

// sameETag compares etags ignoring surrounding quotes.
func sameETag(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

// mapErr translates S3 error codes into upload sentinels.
func mapErr(op string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchUpload":
		return fmt.Errorf("s3store: %s: %w: %v", op, upload.ErrUploadExpired, err)
	case "AccessDenied", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("s3store: %s: %w: %v", op, upload.ErrDenied, err)
	case "NoSuchBucket":
		return fmt.Errorf("s3store: %s: %w: %v", op, upload.ErrBucketNotFound, err)
	default:
		return fmt.Errorf("s3store: %s: %w", op, err)
	}
}
