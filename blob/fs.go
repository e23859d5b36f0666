package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"
	"github.com/teris-io/shortid"

	"github.com/aistore-edge/cachegate/cmn"
)

// FileSystem is the on-disk BlobStorage backend: one file per key under
// root, written via a temp-name-then-rename so readers never observe a
// partial blob.
type FileSystem struct {
	root string
	name string
	mu   sync.Mutex // serializes temp-name allocation only
}

var _ Storage = (*FileSystem)(nil)

// NewFileSystem creates (if absent) root and returns a FileSystem backend
// rooted there.
func NewFileSystem(name, root string) (*FileSystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileSystem{root: root, name: name}, nil
}

func (fsb *FileSystem) Name() string { return fsb.name }

func (fsb *FileSystem) path(key string) string { return filepath.Join(fsb.root, key) }

func (fsb *FileSystem) tempPath(key string) string {
	fsb.mu.Lock()
	sid, _ := shortid.Generate()
	fsb.mu.Unlock()
	return filepath.Join(fsb.root, "."+key+".tmp."+sid)
}

func (fsb *FileSystem) Persist(_ context.Context, key string, data cmn.CacheData) error {
	if data.Kind == cmn.KindStream && data.StreamLen < 0 {
		// Unbounded streams may still be persisted by the InMemory/unbounded
		// path of a TTL cache; FileSystem itself has no size ceiling of its
		// own, so this is permitted -- the cache layer enforces size_limit
		// before ever calling Persist.
		glog.V(4).Infof("%s: persisting %s with undeclared length", fsb.name, key)
	}

	tmp := fsb.tempPath(key)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		glog.Errorf("%s: create temp for %s: %v", fsb.name, key, err)
		return err
	}

	var writeErr error
	switch data.Kind {
	case cmn.KindText:
		_, writeErr = f.WriteString(data.Text)
	case cmn.KindBytes:
		_, writeErr = f.Write(data.Bytes)
	case cmn.KindStream:
		_, writeErr = io.Copy(f, data.Reader)
	}
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmp) // best-effort, partial blob must not survive
		if writeErr != nil {
			glog.Errorf("%s: persist %s: %v", fsb.name, key, writeErr)
			return writeErr
		}
		glog.Errorf("%s: persist %s: %v", fsb.name, key, closeErr)
		return closeErr
	}
	if err := os.Rename(tmp, fsb.path(key)); err != nil {
		os.Remove(tmp)
		glog.Errorf("%s: rename into place %s: %v", fsb.name, key, err)
		return err
	}
	return nil
}

func (fsb *FileSystem) Read(_ context.Context, key string) (cmn.CacheData, error) {
	f, err := os.Open(fsb.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return cmn.CacheData{}, cmn.ErrNotFound
		}
		return cmn.CacheData{}, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return cmn.CacheData{}, err
	}
	return cmn.NewStreamData(f, fi.Size()), nil
}

func (fsb *FileSystem) Remove(_ context.Context, key string) error {
	if err := os.Remove(fsb.path(key)); err != nil {
		if os.IsNotExist(err) {
			return cmn.ErrNotFound
		}
		return err
	}
	return nil
}

// ReconcileOrphans walks root and invokes orphan for every regular file that
// is not a temp blob and for which live(key) reports false. Intended to be
// run once at startup against a freshly opened metadata store to discover
// blobs whose metadata was removed (by eviction or expiry) but whose own
// removal was cut short by a crash.
func (fsb *FileSystem) ReconcileOrphans(live func(key string) bool, orphan func(key string)) error {
	return godirwalk.Walk(fsb.root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(fsb.root, path)
			if err != nil {
				return nil
			}
			if strings.Contains(rel, ".tmp.") {
				return nil
			}
			if !live(rel) {
				orphan(rel)
			}
			return nil
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			if errors.Is(err, os.ErrNotExist) {
				return godirwalk.SkipNode
			}
			glog.Warningf("%s: orphan scan: %v", fsb.name, err)
			return godirwalk.SkipNode
		},
	})
}
