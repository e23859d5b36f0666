package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	azstorage "github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/golang/glog"

	"github.com/aistore-edge/cachegate/cmn"
)

// Azure stores blobs as block blobs in a single Azure Blob Storage
// container, one blob per key. Grounded on the teacher's Azure cloud
// provider, which uses the same azblob SDK for object get/put/delete.
type Azure struct {
	name      string
	container azstorage.ContainerURL
}

var _ Storage = (*Azure)(nil)

// NewAzure builds a backend bound to containerName in the given storage
// account, authenticating with a shared-key credential.
func NewAzure(name, account, key, containerName string) (*Azure, error) {
	cred, err := azstorage.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, err
	}
	pipeline := azstorage.NewPipeline(cred, azstorage.PipelineOptions{})
	u, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", account, containerName))
	if err != nil {
		return nil, err
	}
	return &Azure{name: name, container: azstorage.NewContainerURL(*u, pipeline)}, nil
}

func (ab *Azure) Name() string { return ab.name }

func (ab *Azure) Persist(ctx context.Context, key string, data cmn.CacheData) error {
	blockBlob := ab.container.NewBlockBlobURL(key)
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
	_, err := blockBlob.Upload(ctx, body, azstorage.BlobHTTPHeaders{}, azstorage.Metadata{},
		azstorage.BlobAccessConditions{}, azstorage.DefaultAccessTier, nil, azstorage.ClientProvidedKeyOptions{}, azstorage.ImmutabilityPolicyOptions{})
	if err != nil {
		glog.Errorf("%s: azure upload %s: %v", ab.name, key, err)
	}
	return err
}

func (ab *Azure) Read(ctx context.Context, key string) (cmn.CacheData, error) {
	blockBlob := ab.container.NewBlockBlobURL(key)
	resp, err := blockBlob.Download(ctx, 0, azstorage.CountToEnd, azstorage.BlobAccessConditions{}, false, azstorage.ClientProvidedKeyOptions{})
	if err != nil {
		if stgErr, ok := err.(azstorage.StorageError); ok && stgErr.ServiceCode() == azstorage.ServiceCodeBlobNotFound {
			return cmn.CacheData{}, cmn.ErrNotFound
		}
		return cmn.CacheData{}, err
	}
	body := resp.Body(azstorage.RetryReaderOptions{})
	return cmn.NewStreamData(body, resp.ContentLength()), nil
}

func (ab *Azure) Remove(ctx context.Context, key string) error {
	blockBlob := ab.container.NewBlockBlobURL(key)
	_, err := blockBlob.Delete(ctx, azstorage.DeleteSnapshotsOptionNone, azstorage.BlobAccessConditions{})
	if stgErr, ok := err.(azstorage.StorageError); ok && stgErr.ServiceCode() == azstorage.ServiceCodeBlobNotFound {
		return cmn.ErrNotFound
	}
	return err
}
