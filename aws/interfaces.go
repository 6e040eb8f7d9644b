// Package aws implements the AWS service abstraction used by the S3Native
// upload endpoint: a narrow S3Client interface covering the GetObject,
// PutObject, and HeadObject object operations.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client defines the interface for S3 object operations; the S3Native
// upload endpoint calls PutObject.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Compile-time interface checks to ensure implementations satisfy interfaces.
var (
	_ S3Client = (*S3ClientImpl)(nil)
	_ S3Client = (*s3.Client)(nil)
)
