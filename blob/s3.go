package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/golang/glog"

	"github.com/aistore-edge/cachegate/cmn"
)

// S3 stores blobs as objects in a single S3 bucket, one object per key.
// Grounded on the teacher's ais/cloud/aws.go session/client setup.
type S3 struct {
	name   string
	bucket string
	svc    *s3.S3
}

var _ Storage = (*S3)(nil)

// NewS3 opens a session using the default credential chain (environment,
// shared config, instance profile) exactly as the teacher's createSession
// does, and returns a backend bound to bucket.
func NewS3(name, bucket, region string) (*S3, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	conf := &aws.Config{}
	if region != "" {
		conf.Region = aws.String(region)
	}
	return &S3{name: name, bucket: bucket, svc: s3.New(sess, conf)}, nil
}

func (sb *S3) Name() string { return sb.name }

func (sb *S3) Persist(ctx context.Context, key string, data cmn.CacheData) error {
	var body io.ReadSeeker
	switch data.Kind {
	case cmn.KindText:
		body = bytes.NewReader([]byte(data.Text))
	case cmn.KindBytes:
		body = bytes.NewReader(data.Bytes)
	case cmn.KindStream:
		buf, err := io.ReadAll(data.Reader)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	_, err := sb.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		glog.Errorf("%s: s3 put %s: %v", sb.name, key, err)
	}
	return err
}

func (sb *S3) Read(ctx context.Context, key string) (cmn.CacheData, error) {
	out, err := sb.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey) {
			return cmn.CacheData{}, cmn.ErrNotFound
		}
		return cmn.CacheData{}, err
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return cmn.NewStreamData(out.Body, length), nil
}

func (sb *S3) Remove(ctx context.Context, key string) error {
	_, err := sb.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(key),
	})
	return err
}
