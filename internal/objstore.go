package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Object key layout. Payloads and covers share a bucket; prefixes keep them
// apart.
const (
	_payloadPrefix = "books/v1/"
	_coverPrefix   = "images/book-covers/"
)

// objectStore is the narrow surface we need from the blob store.
type objectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Head(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// S3Config locates the bucket. ServerURL switches the client to an
// S3-compatible endpoint with path-style addressing.
type S3Config struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	ServerURL string `koanf:"server_url"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	CDNURL    string `koanf:"cdn_url"`
}

// s3Store implements objectStore on the AWS SDK.
type s3Store struct {
	client *s3.Client
	bucket string
	cdnURL string
}

var _ objectStore = (*s3Store)(nil)

// NewS3Store dials the object store described by cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*s3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ServerURL != "" {
			o.BaseEndpoint = aws.String(cfg.ServerURL)
			o.UsePathStyle = true
		}
	})
	return &s3Store{client: client, bucket: cfg.Bucket, cdnURL: strings.TrimSuffix(cfg.CDNURL, "/")}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s: %w", key, err)
	}
	return true, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// PublicURL maps an object key to its CDN address when one is configured.
func (s *s3Store) PublicURL(key string) string {
	if s.cdnURL == "" {
		return ""
	}
	return s.cdnURL + "/" + key
}

// nopStore keeps the pipeline runnable with the object store disabled.
type nopStore struct{}

var _ objectStore = nopStore{}

func (nopStore) Get(context.Context, string) ([]byte, error)       { return nil, errNotFound }
func (nopStore) Put(context.Context, string, []byte, string) error { return nil }
func (nopStore) Head(context.Context, string) (bool, error)        { return false, nil }
func (nopStore) Delete(context.Context, string) error              { return nil }

// payloadCache is the JSON blob tier: gzip-compressed canonical payloads
// keyed by external id.
type payloadCache struct {
	store objectStore
}

func newPayloadCache(store objectStore) *payloadCache {
	return &payloadCache{store: store}
}

func payloadKey(externalID string) string {
	return _payloadPrefix + externalID + ".json.gz"
}

// Fetch returns the decompressed payload for an external id. Blobs written
// before compression was introduced are detected by their missing gzip
// magic and passed through as-is.
func (p *payloadCache) Fetch(ctx context.Context, externalID string) ([]byte, error) {
	blob, err := p.store.Get(ctx, payloadKey(externalID))
	if err != nil {
		return nil, err
	}
	return maybeGunzip(blob)
}

// Put compresses and uploads a payload.
func (p *payloadCache) Put(ctx context.Context, externalID string, payload []byte) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return p.store.Put(ctx, payloadKey(externalID), buf.Bytes(), "application/json")
}

// Delete drops a cached payload (admin purge).
func (p *payloadCache) Delete(ctx context.Context, externalID string) error {
	return p.store.Delete(ctx, payloadKey(externalID))
}

// Update applies the smart-update policy: when the cached payload is richer
// than the fresh one -- a description at least 10% longer, or strictly more
// populated key fields -- the cached document is kept and only the fresh
// qualifiers are merged in. Otherwise the fresh payload replaces it.
func (p *payloadCache) Update(ctx context.Context, externalID string, fresh []byte) error {
	existing, err := p.Fetch(ctx, externalID)
	if isNotFound(err) {
		return p.Put(ctx, externalID, fresh)
	}
	if err != nil {
		return err
	}

	if !richerPayload(existing, fresh) {
		return p.Put(ctx, externalID, fresh)
	}

	merged, err := mergeQualifiers(existing, fresh)
	if err != nil {
		// The cached blob didn't parse; fresh data wins.
		return p.Put(ctx, externalID, fresh)
	}
	return p.Put(ctx, externalID, merged)
}

// maybeGunzip decompresses blob when it carries the gzip magic bytes.
func maybeGunzip(blob []byte) ([]byte, error) {
	if len(blob) < 2 || blob[0] != 0x1f || blob[1] != 0x8b {
		return blob, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Join(errCorrupt, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Join(errCorrupt, err)
	}
	return out, nil
}

// Key fields whose presence counts toward payload richness.
var _richnessPaths = []jp.Expr{
	jp.MustParseString("volumeInfo.title"),
	jp.MustParseString("volumeInfo.authors"),
	jp.MustParseString("volumeInfo.publisher"),
	jp.MustParseString("volumeInfo.publishedDate"),
	jp.MustParseString("volumeInfo.categories"),
	jp.MustParseString("volumeInfo.pageCount"),
	jp.MustParseString("volumeInfo.imageLinks"),
	jp.MustParseString("volumeInfo.language"),
}

var _descriptionPaths = []jp.Expr{
	jp.MustParseString("volumeInfo.description"),
	jp.MustParseString("description"),
}

// richerPayload reports whether the existing payload should survive an
// update with fresh data.
func richerPayload(existing, fresh []byte) bool {
	oldDoc, err := oj.Parse(existing)
	if err != nil {
		return false
	}
	newDoc, err := oj.Parse(fresh)
	if err != nil {
		return true
	}

	oldDesc, newDesc := descriptionOf(oldDoc), descriptionOf(newDoc)
	if len(oldDesc) > 0 && float64(len(oldDesc)) >= float64(len(newDesc))*1.1 {
		return true
	}

	return fieldCount(oldDoc) > fieldCount(newDoc)
}

func descriptionOf(doc any) string {
	for _, path := range _descriptionPaths {
		for _, v := range path.Get(doc) {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func fieldCount(doc any) int {
	n := 0
	for _, path := range _richnessPaths {
		for _, v := range path.Get(doc) {
			if v == nil {
				continue
			}
			n++
			break
		}
	}
	return n
}

// mergeQualifiers copies the fresh payload's qualifiers into the existing
// document and re-serializes it.
func mergeQualifiers(existing, fresh []byte) ([]byte, error) {
	oldDoc, err := oj.Parse(existing)
	if err != nil {
		return nil, err
	}
	newDoc, err := oj.Parse(fresh)
	if err != nil {
		return nil, err
	}

	oldMap, ok := oldDoc.(map[string]any)
	if !ok {
		return nil, errCorrupt
	}
	newMap, _ := newDoc.(map[string]any)

	if quals, ok := newMap["qualifiers"].(map[string]any); ok && len(quals) > 0 {
		merged, _ := oldMap["qualifiers"].(map[string]any)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range quals {
			merged[k] = v
		}
		oldMap["qualifiers"] = merged
	}

	return []byte(oj.JSON(oldMap)), nil
}
