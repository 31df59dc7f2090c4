package archive

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/mholt/archives"
	"github.com/pkg/errors"
)

// BundleScreenshots writes the files at paths into a flat zip at dest.
// An existing archive at dest is replaced.
func BundleScreenshots(ctx context.Context, paths []string, dest string) error {
	if len(paths) == 0 {
		return errors.New("nothing to bundle")
	}

	names := make(map[string]string, len(paths))
	for _, p := range paths {
		names[p] = filepath.Base(p)
	}
	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return errors.Wrap(err, "collect screenshots")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create bundle directory")
	}
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create bundle")
	}

	if err := (archives.Zip{}).Archive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write bundle %s", dest)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close bundle")
	}
	return errors.Wrap(os.Rename(tmp, dest), "finalize bundle")
}

// ListBundle returns the sorted file names stored in an archive.
func ListBundle(ctx context.Context, path string) ([]string, error) {
	fsys, err := archives.FileSystem(ctx, path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open bundle %s", path)
	}

	var names []string
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read bundle %s", path)
	}
	sort.Strings(names)
	return names, nil
}
