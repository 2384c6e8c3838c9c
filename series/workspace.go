package series

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/gradienthealth/codpack/cmn/cos"
)

// workspace is the temp directory a Series Object exclusively owns
// (spec.md §4.F.2): the tar file (opened in append mode, created empty
// if absent) and the random-access index file live directly inside it.
type workspace struct {
	dir      string
	tarPath  string
	idxPath  string
}

func newWorkspace(root, studyUID, seriesUID string) (*workspace, error) {
	dir := filepath.Join(root, studyUID, seriesUID)
	if err := cos.EnsureDir(dir); err != nil {
		return nil, err
	}
	ws := &workspace{
		dir:     dir,
		tarPath: filepath.Join(dir, "series.tar"),
		idxPath: filepath.Join(dir, "series.index"),
	}
	if _, err := os.Stat(ws.tarPath); os.IsNotExist(err) {
		f, err := os.Create(ws.tarPath)
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	return ws, nil
}

// destroy unconditionally removes the workspace directory (spec.md
// §4.F.6 "the temp directory is cleaned up unconditionally"), walking
// it post-order so every file is removed before its parent directory.
func (w *workspace) destroy() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if _, err := os.Stat(w.dir); os.IsNotExist(err) {
		return nil
	}
	err := godirwalk.Walk(w.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return os.Remove(osPathname)
			}
			return nil
		},
		PostChildrenCallback: func(osPathname string, de *godirwalk.Dirent) error {
			return os.Remove(osPathname)
		},
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(w.dir)
}
