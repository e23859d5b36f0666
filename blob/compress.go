package blob

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/aistore-edge/cachegate/cmn"
)

// Compressing wraps a Storage backend and transparently gzips any value
// whose declared length exceeds threshold before handing it to the
// underlying backend, and gunzips on read. Blobs at or below threshold pass
// through untouched, so the wrapper is safe to introduce or remove without
// invalidating previously persisted entries below the threshold.
type Compressing struct {
	Storage
	threshold int64
}

var _ Storage = (*Compressing)(nil)

// NewCompressing wraps next, compressing values whose Length() exceeds
// thresholdBytes. A negative threshold compresses everything with a known
// length; a zero threshold compresses every non-empty value with a known
// length.
func NewCompressing(next Storage, thresholdBytes int64) *Compressing {
	return &Compressing{Storage: next, threshold: thresholdBytes}
}

func (c *Compressing) Persist(ctx context.Context, key string, data cmn.CacheData) error {
	if data.Length() < 0 || data.Length() <= c.threshold {
		return c.Storage.Persist(ctx, key, data)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	var err error
	switch data.Kind {
	case cmn.KindText:
		_, err = gw.Write([]byte(data.Text))
	case cmn.KindBytes:
		_, err = gw.Write(data.Bytes)
	case cmn.KindStream:
		_, err = io.Copy(gw, data.Reader)
	}
	if err == nil {
		err = gw.Close()
	}
	if err != nil {
		return err
	}
	return c.Storage.Persist(ctx, gzipKey(key), cmn.NewBytesData(buf.Bytes()))
}

func (c *Compressing) Read(ctx context.Context, key string) (cmn.CacheData, error) {
	data, err := c.Storage.Read(ctx, gzipKey(key))
	if err == nil {
		gr, gerr := gzip.NewReader(readerOf(data))
		if gerr != nil {
			return cmn.CacheData{}, gerr
		}
		plain, rerr := io.ReadAll(gr)
		if rerr != nil {
			return cmn.CacheData{}, rerr
		}
		return cmn.NewStreamData(bytes.NewReader(plain), int64(len(plain))), nil
	}
	return c.Storage.Read(ctx, key)
}

func (c *Compressing) Remove(ctx context.Context, key string) error {
	if err := c.Storage.Remove(ctx, gzipKey(key)); err == nil {
		return nil
	}
	return c.Storage.Remove(ctx, key)
}

func gzipKey(key string) string { return key + ".gz" }

func readerOf(d cmn.CacheData) io.Reader {
	switch d.Kind {
	case cmn.KindText:
		return bytes.NewReader([]byte(d.Text))
	case cmn.KindBytes:
		return bytes.NewReader(d.Bytes)
	default:
		return d.Reader
	}
}
