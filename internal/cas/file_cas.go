package cas

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-flight writes inside a fan-out directory.
const tempPrefix = ".obj-"

// FileCAS stores objects as files under root, fanned out by the first
// byte of the hash (root/ab/cdef...). Writes go through a private temp
// file and a rename, so concurrent writers of one object never see a
// partial file.
type FileCAS struct {
	root string
}

var (
	_ CAS     = (*FileCAS)(nil)
	_ Sweeper = (*FileCAS)(nil)
)

// NewFileCAS opens the object directory at root, creating it if needed.
func NewFileCAS(root string) (*FileCAS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory %s: %w", root, err)
	}
	return &FileCAS{root: root}, nil
}

func (f *FileCAS) objectPath(hash Hash) string {
	name := hash.String()
	return filepath.Join(f.root, name[:2], name[2:])
}

// Put implements CAS.Put. Storing an object that already exists is a
// no-op, including when another writer stores it at the same time.
func (f *FileCAS) Put(hash Hash, data []byte) error {
	if sum := SumB3(data); sum != hash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", hash, sum)
	}

	path := f.objectPath(hash)
	if ok, err := exists(path); err != nil || ok {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write object %s: %w", hash.Short(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		// Lost a race with a writer of the same content.
		if ok, _ := exists(path); ok {
			return nil
		}
		return fmt.Errorf("failed to store object %s: %w", hash.Short(), err)
	}
	return nil
}

// Get implements CAS.Get. Content whose hash no longer matches is
// reported as corrupt.
func (f *FileCAS) Get(hash Hash) ([]byte, error) {
	data, err := os.ReadFile(f.objectPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", hash.Short(), err)
	}
	if SumB3(data) != hash {
		return nil, fmt.Errorf("corrupted object %s: content hash mismatch", hash)
	}
	return data, nil
}

// Has implements CAS.Has.
func (f *FileCAS) Has(hash Hash) (bool, error) {
	return exists(f.objectPath(hash))
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
}

// List implements Sweeper.List. Temp files and foreign names are ignored.
func (f *FileCAS) List() ([]Hash, error) {
	fanout, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read object directory: %w", err)
	}

	var out []Hash
	for _, dir := range fanout {
		if !dir.IsDir() || len(dir.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(f.root, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", dir.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if h, err := ParseHash(dir.Name() + e.Name()); err == nil {
				out = append(out, h)
			}
		}
	}
	SortHashes(out)
	return out, nil
}

// Size implements Sweeper.Size.
func (f *FileCAS) Size(hash Hash) (int64, error) {
	info, err := os.Stat(f.objectPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat object %s: %w", hash.Short(), err)
	}
	return info.Size(), nil
}

// Delete implements Sweeper.Delete. Deleting a missing object is not an error.
func (f *FileCAS) Delete(hash Hash) error {
	err := os.Remove(f.objectPath(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", hash.Short(), err)
	}
	return nil
}
