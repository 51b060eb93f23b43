package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DirSource serves reports from a local directory. Identifiers are file names relative to that
// directory.
type DirSource struct {
	dir           string
	archiveDir    string
	quarantineDir string
	pattern       string
	deleteLoaded  bool
	rename        func(oldpath, newpath string) error
}

func NewDirSource(dir, archiveDir, quarantineDir, pattern string, deleteLoaded bool) *DirSource {
	return &DirSource{
		dir:           dir,
		archiveDir:    archiveDir,
		quarantineDir: quarantineDir,
		pattern:       pattern,
		deleteLoaded:  deleteLoaded,
		rename:        os.Rename,
	}
}

func (s *DirSource) Pending(_ context.Context) ([]string, error) {
	matches, err := zglob.Glob(filepath.Join(s.dir, s.pattern))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing %s in %s", s.pattern, s.dir)
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(s.dir, match)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, rel)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *DirSource) Open(_ context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, id))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (s *DirSource) Archive(_ context.Context, id string) error {
	src := filepath.Join(s.dir, id)
	if s.deleteLoaded {
		log.Debugf("Deleting loaded report %s", src)
		return errors.WithStack(os.Remove(src))
	}
	dst := filepath.Join(s.archiveDir, id)
	log.Debugf("Moving loaded report %s to %s", src, dst)
	return s.move(src, dst)
}

// Quarantine moves a report that cannot be loaded into the quarantine directory. Without one the
// report is left in place.
func (s *DirSource) Quarantine(_ context.Context, id string) error {
	if s.quarantineDir == "" {
		return nil
	}
	src := filepath.Join(s.dir, id)
	dst := filepath.Join(s.quarantineDir, id)
	log.Infof("Moving malformed report %s to %s", src, dst)
	return s.move(src, dst)
}

// move renames src to dst, copying across filesystems when a rename is not possible.
func (s *DirSource) move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.WithStack(err)
	}
	err := s.rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return errors.WithStack(err)
	}
	log.Debugf("%s and %s are on different filesystems, copying", src, dst)
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return errors.WithStack(os.Remove(src))
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil && closeErr != nil {
			err = errors.WithStack(closeErr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dst)
	}
	return errors.WithStack(out.Sync())
}
