package blob

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"

	"github.com/aistore-edge/cachegate/cmn"
)

// GCS stores blobs as objects in a single Google Cloud Storage bucket, one
// object per key. Grounded on the teacher's ais/cloud/gcp.go provider.
type GCS struct {
	name   string
	bucket *storage.BucketHandle
}

var _ Storage = (*GCS)(nil)

func NewGCS(ctx context.Context, name, bucketName string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{name: name, bucket: client.Bucket(bucketName)}, nil
}

func (gb *GCS) Name() string { return gb.name }

func (gb *GCS) Persist(ctx context.Context, key string, data cmn.CacheData) error {
	w := gb.bucket.Object(key).NewWriter(ctx)
	var err error
	switch data.Kind {
	case cmn.KindText:
		_, err = w.Write([]byte(data.Text))
	case cmn.KindBytes:
		_, err = w.Write(data.Bytes)
	case cmn.KindStream:
		_, err = io.Copy(w, data.Reader)
	}
	if err == nil {
		err = w.Close()
	} else {
		w.Close()
	}
	if err != nil {
		glog.Errorf("%s: gcs put %s: %v", gb.name, key, err)
	}
	return err
}

func (gb *GCS) Read(ctx context.Context, key string) (cmn.CacheData, error) {
	r, err := gb.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return cmn.CacheData{}, cmn.ErrNotFound
		}
		return cmn.CacheData{}, err
	}
	return cmn.NewStreamData(r, r.Attrs.Size), nil
}

func (gb *GCS) Remove(ctx context.Context, key string) error {
	err := gb.bucket.Object(key).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return cmn.ErrNotFound
	}
	return err
}
