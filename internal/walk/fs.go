package walk

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by Glob.
type Entry struct {
	Dir  string
	Name string
	info fs.FileInfo
}

// Path returns the path to the file, prefixed by the directory it was found in.
func (e Entry) Path() string {
	return filepath.Join(e.Dir, e.Name)
}

func (e Entry) Stat() fs.FileInfo {
	return e.info
}

// Glob lists regular files directly inside each of dirs whose name matches pattern
// (filepath.Match syntax). Directories are not descended into and missing
// directories are skipped silently, they are created lazily by the drivers.
// Entries of one directory are yielded in lexical order. Other read errors are
// yielded together with an Entry carrying the directory only.
func Glob(ctx context.Context, pattern string, dirs ...string) iter.Seq2[Entry, error] {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return func(yield func(Entry, error) bool) {
			yield(Entry{}, err)
		}
	}

	return func(yield func(Entry, error) bool) {
		for _, dir := range dirs {
			if ctx.Err() != nil {
				return
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				if !yield(Entry{Dir: dir}, err) {
					return
				}
				continue
			}
			for _, d := range entries {
				if ok, _ := filepath.Match(pattern, d.Name()); !ok {
					continue
				}
				info, err := d.Info()
				if err != nil {
					// removed between ReadDir and Info
					continue
				}
				if !info.Mode().IsRegular() {
					continue
				}
				if !yield(Entry{Dir: dir, Name: d.Name(), info: info}, nil) {
					return
				}
			}
		}
	}
}
