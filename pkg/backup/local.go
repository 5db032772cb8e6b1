package backup

import (
	"context"
	"io"

	"github.com/accretional/cardvault/pkg/fs/local"
)

// LocalDestination keeps snapshots in a directory.
type LocalDestination struct {
	fs *local.FileSystem
}

func NewLocalDestination(dir string) (*LocalDestination, error) {
	fs, err := local.NewFileSystem(dir)
	if err != nil {
		return nil, err
	}
	return &LocalDestination{fs: fs}, nil
}

func (d *LocalDestination) Name() string { return "local:" + d.fs.Root }

func (d *LocalDestination) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := d.fs.Save(ctx, key, r)
	return err
}

func (d *LocalDestination) List(ctx context.Context, prefix string) ([]Object, error) {
	files, err := d.fs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	objects := make([]Object, 0, len(files))
	for _, f := range files {
		objects = append(objects, Object{Key: f.Name, Size: f.Size, ModTime: f.ModTime})
	}
	return objects, nil
}

func (d *LocalDestination) Delete(ctx context.Context, key string) error {
	return d.fs.Delete(ctx, key)
}
