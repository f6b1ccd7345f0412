package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fogmesh/fog/pkg/entry"
)

// ImportResult summarizes an ImportDir run.
type ImportResult struct {
	Added     int
	Unchanged int
	Skipped   int // files whose names cannot be stored as entry paths
	Conflicts []*entry.ConflictError
}

// ImportDir walks physicalDir and adds an entry for every regular file to
// tree, under virtualDir. Entry timestamps are the files' modification times.
// Files already present with identical content are counted as unchanged;
// files that collide with a different entry are reported as conflicts and
// leave the existing entry in place. Files whose names are not valid entry
// paths are skipped with a warning.
func ImportDir(tree *entry.Tree, virtualDir, physicalDir string, d Digest) (ImportResult, error) {
	var res ImportResult

	info, err := os.Stat(physicalDir)
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", physicalDir, err)
	}
	if !info.IsDir() {
		return res, fmt.Errorf("%s is not a directory", physicalDir)
	}

	base := "/" + strings.Trim(filepath.ToSlash(virtualDir), "/")

	err = filepath.WalkDir(physicalDir, func(p string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".fog-") {
			return nil
		}

		rel, err := filepath.Rel(physicalDir, p)
		if err != nil {
			return err
		}
		vpath := path.Join(base, filepath.ToSlash(rel))
		if err := entry.ValidPath(vpath); err != nil {
			log.Warn().Err(err).Str("file", p).Msg("skipping file with unsupported name")
			res.Skipped++
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		e, err := CreateEntry(d, vpath, f, fi.ModTime())
		_ = f.Close()
		if err != nil {
			return err
		}

		if cur, ok := tree.File(e.Path()); ok && cur.Equal(e) {
			res.Unchanged++
			return nil
		}
		if err := tree.Add(e); err != nil {
			var conflict *entry.ConflictError
			if errors.As(err, &conflict) {
				log.Warn().Str("path", e.Path()).Msg("import conflict, keeping existing entry")
				res.Conflicts = append(res.Conflicts, conflict)
				return nil
			}
			return err
		}
		res.Added++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("import %s: %w", physicalDir, err)
	}

	log.Debug().
		Str("virtual", base).
		Str("dir", physicalDir).
		Int("added", res.Added).
		Int("unchanged", res.Unchanged).
		Int("skipped", res.Skipped).
		Int("conflicts", len(res.Conflicts)).
		Msg("imported directory")
	return res, nil
}
