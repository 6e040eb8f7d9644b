// Package upload implements the upload client described in section 4.G of
// the design specification: it streams a local file to one of several
// endpoint kinds, retrying transient failures with exponential backoff.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gurre/agent-uploader/aws"
)

// Kind identifies the wire protocol an Endpoint speaks, per section 6's
// configuration surface.
type Kind string

const (
	KindSupabase  Kind = "supabase"
	KindPresigned Kind = "presigned"
	KindS3Native  Kind = "s3native"
	KindDryRun    Kind = "dryrun"
)

// Request describes one file to stream to an object path, with the
// metadata needed to set request headers per section 4.G.
type Request struct {
	LocalPath       string
	ObjectPath      string
	ContentType     string
	ContentEncoding string
}

// Endpoint uploads a local file to a remote object path. There is one
// concrete type per backing protocol, constructed from configuration and
// satisfying this single narrow interface.
type Endpoint interface {
	Kind() Kind
	Upload(ctx context.Context, req Request) error
}

// SupabaseEndpoint implements the Supabase storage REST API as specified in
// section 4.G: POST {base_url}/storage/v1/object/{bucket}/{object_path}
// with a bearer token and an upsert header.
type SupabaseEndpoint struct {
	BaseURL string
	Bucket  string
	Key     string
	HTTP    *http.Client
}

// NewSupabaseEndpoint constructs a SupabaseEndpoint, defaulting the HTTP
// client when one is not supplied.
func NewSupabaseEndpoint(baseURL, bucket, key string, client *http.Client) *SupabaseEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &SupabaseEndpoint{BaseURL: baseURL, Bucket: bucket, Key: key, HTTP: client}
}

func (e *SupabaseEndpoint) Kind() Kind { return KindSupabase }

func (e *SupabaseEndpoint) Upload(ctx context.Context, req Request) error {
	target := fmt.Sprintf("%s/storage/v1/object/%s/%s", strings.TrimRight(e.BaseURL, "/"), e.Bucket, req.ObjectPath)

	httpReq, body, size, err := newFileRequest(ctx, http.MethodPost, target, req)
	if err != nil {
		return err
	}
	defer body.Close()

	httpReq.Header.Set("Authorization", "Bearer "+e.Key)
	httpReq.Header.Set("x-upsert", "true")
	httpReq.ContentLength = size

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	return statusToError(resp.StatusCode)
}

// PresignedEndpoint implements a pre-signed URL upload as specified in
// section 4.G: PUT {base_url}/{object_path}.
type PresignedEndpoint struct {
	BaseURL string
	HTTP    *http.Client
}

// NewPresignedEndpoint constructs a PresignedEndpoint, defaulting the HTTP
// client when one is not supplied.
func NewPresignedEndpoint(baseURL string, client *http.Client) *PresignedEndpoint {
	if client == nil {
		client = http.DefaultClient
	}
	return &PresignedEndpoint{BaseURL: baseURL, HTTP: client}
}

func (e *PresignedEndpoint) Kind() Kind { return KindPresigned }

func (e *PresignedEndpoint) Upload(ctx context.Context, req Request) error {
	target := fmt.Sprintf("%s/%s", strings.TrimRight(e.BaseURL, "/"), req.ObjectPath)

	httpReq, body, size, err := newFileRequest(ctx, http.MethodPut, target, req)
	if err != nil {
		return err
	}
	defer body.Close()
	httpReq.ContentLength = size

	resp, err := e.HTTP.Do(httpReq)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()
	return statusToError(resp.StatusCode)
}

// S3NativeEndpoint uploads directly via the AWS SDK's PutObject, bypassing
// HTTP-layer status codes entirely; isRetryableAWSError decides which SDK
// errors are wrapped as retryable (network timeouts only).
type S3NativeEndpoint struct {
	Client aws.S3Client
	Bucket string
}

// NewS3NativeEndpoint constructs an S3NativeEndpoint bound to an S3 bucket.
func NewS3NativeEndpoint(client aws.S3Client, bucket string) *S3NativeEndpoint {
	return &S3NativeEndpoint{Client: client, Bucket: bucket}
}

func (e *S3NativeEndpoint) Kind() Kind { return KindS3Native }

func (e *S3NativeEndpoint) Upload(ctx context.Context, req Request) error {
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return &localIOError{err: err}
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: &e.Bucket,
		Key:    &req.ObjectPath,
		Body:   f,
	}
	if req.ContentType != "" {
		input.ContentType = &req.ContentType
	}
	if req.ContentEncoding != "" {
		input.ContentEncoding = &req.ContentEncoding
	}

	if _, err := e.Client.PutObject(ctx, input); err != nil {
		if isRetryableAWSError(err) {
			return &transportError{err: err}
		}
		return err
	}
	return nil
}

// DryRunEndpoint logs the intended upload and succeeds without any network
// activity, as specified in section 4.G.
type DryRunEndpoint struct {
	Log func(format string, args ...any)
}

// NewDryRunEndpoint constructs a DryRunEndpoint. When log is nil, uploads
// are silently accepted.
func NewDryRunEndpoint(log func(format string, args ...any)) *DryRunEndpoint {
	return &DryRunEndpoint{Log: log}
}

func (e *DryRunEndpoint) Kind() Kind { return KindDryRun }

func (e *DryRunEndpoint) Upload(ctx context.Context, req Request) error {
	if e.Log != nil {
		e.Log("dry-run upload: %s -> %s", req.LocalPath, req.ObjectPath)
	}
	return nil
}

// newFileRequest opens req.LocalPath, wraps it in an http.Request with a
// streaming body as specified in section 4.G ("body is a streaming reader
// over the file to bound memory"), and sets Content-Type/Content-Encoding
// from metadata when present. The caller owns closing the returned
// io.ReadCloser.
func newFileRequest(ctx context.Context, method, target string, req Request) (*http.Request, io.ReadCloser, int64, error) {
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return nil, nil, 0, &localIOError{err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, &localIOError{err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, f)
	if err != nil {
		f.Close()
		return nil, nil, 0, &constructionError{err: err}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	return httpReq, f, info.Size(), nil
}
