// Package archive packages a project's staging tree into timestamped zip
// files and resolves existing archives by project prefix.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	fileutil "stepforge/internal/file"
	"stepforge/internal/project"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoArchive is returned when a project has no packaged archive yet.
var ErrNoArchive = errors.New("no archive for project")

const (
	timestampLayout       = "20060102150405"
	defaultRebuildWorkers = 4
)

// entryModTime is stamped on every zip entry so that packaging the same tree
// twice yields byte-identical archives.
var entryModTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type Options struct {
	StagingRoot    string
	ArchiveDir     string
	RebuildWorkers int
}

// Packager builds archives from staging trees, reconstructing a tree from the
// persisted File records when it is missing.
type Packager struct {
	store          project.Store
	stagingRoot    string
	archiveDir     string
	rebuildWorkers int
	now            func() time.Time
}

func NewPackager(store project.Store, opts Options) *Packager {
	if opts.StagingRoot == "" {
		opts.StagingRoot = filepath.Join("data", "staging")
	}
	if opts.ArchiveDir == "" {
		opts.ArchiveDir = filepath.Join("data", "archives")
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = defaultRebuildWorkers
	}
	return &Packager{
		store:          store,
		stagingRoot:    opts.StagingRoot,
		archiveDir:     opts.ArchiveDir,
		rebuildWorkers: opts.RebuildWorkers,
		now:            time.Now,
	}
}

func (p *Packager) StagingDir(projectID string) string {
	return filepath.Join(p.stagingRoot, project.StagingDirName(projectID))
}

func prefix(projectID string) string {
	return project.StagingDirName(projectID) + "_"
}

// Package zips every regular file under the project's staging tree into a new
// archive named project_<id>_<timestamp>.zip and returns its path. Earlier
// archives are left in place.
func (p *Packager) Package(ctx context.Context, projectID string) (string, error) {
	stagingDir := p.StagingDir(projectID)
	if !fileutil.DirExists(stagingDir) {
		restored, err := p.Rebuild(ctx, projectID)
		if err != nil {
			return "", fmt.Errorf("rebuild staging: %w", err)
		}
		log.Info().Str("project_id", projectID).Int("files", restored).Msg("staging tree rebuilt from records")
	}

	entries, err := collectEntries(stagingDir)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeZip(&buf, stagingDir, entries); err != nil {
		return "", err
	}

	if err := fileutil.EnsureDir(p.archiveDir); err != nil {
		return "", fmt.Errorf("ensure archive dir: %w", err)
	}
	dest := p.nextName(projectID)
	if err := fileutil.CopyAtomic(dest, &buf); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	log.Info().Str("project_id", projectID).Int("entries", len(entries)).Str("archive", filepath.Base(dest)).Msg("project packaged")
	return dest, nil
}

// Rebuild recreates the staging tree from the project's File records and
// returns the number of files written.
func (p *Packager) Rebuild(ctx context.Context, projectID string) (int, error) {
	files, err := p.store.ListFiles(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	stagingDir := p.StagingDir(projectID)
	if err := fileutil.EnsureDir(stagingDir); err != nil {
		return 0, err //nolint:wrapcheck
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.rebuildWorkers)
	for _, f := range files {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			target, err := fileutil.SafeJoin(stagingDir, f.Folder, f.Name)
			if err != nil {
				return fmt.Errorf("restore %s: %w", f.Path(), err)
			}
			if err := fileutil.WriteFileAtomic(target, []byte(f.Content)); err != nil {
				return fmt.Errorf("restore %s: %w", f.Path(), err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err //nolint:wrapcheck
	}
	return len(files), nil
}

// Exists reports whether at least one archive was packaged for the project.
func (p *Packager) Exists(projectID string) bool {
	names, err := p.List(projectID)
	return err == nil && len(names) > 0
}

// Latest returns the path of the most recently modified archive of the project.
func (p *Packager) Latest(projectID string) (string, error) {
	dirEntries, err := os.ReadDir(p.archiveDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read archive dir: %w", err)
	}
	var (
		best     string
		bestTime time.Time
	)
	pfx := prefix(projectID)
	for _, e := range dirEntries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, pfx) || !strings.HasSuffix(name, ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestTime) || (mod.Equal(bestTime) && laterName(name, best)) {
			best, bestTime = name, mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNoArchive)
	}
	return filepath.Join(p.archiveDir, best), nil
}

// List returns the archive file names of the project, oldest name first.
func (p *Packager) List(projectID string) ([]string, error) {
	dirEntries, err := os.ReadDir(p.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	pfx := prefix(projectID)
	var names []string
	for _, e := range dirEntries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), pfx) && strings.HasSuffix(e.Name(), ".zip") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return laterName(names[j], names[i]) })
	return names, nil
}

// laterName orders names produced by nextName: longer means a higher
// collision suffix within the same second.
func laterName(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func (p *Packager) nextName(projectID string) string {
	base := prefix(projectID) + p.now().UTC().Format(timestampLayout)
	candidate := filepath.Join(p.archiveDir, base+".zip")
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(p.archiveDir, fmt.Sprintf("%s-%d.zip", base, n))
	}
}

// collectEntries lists regular files under root as sorted slash paths.
func collectEntries(root string) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err //nolint:wrapcheck
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk staging tree: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

func writeZip(w io.Writer, root string, entries []string) error {
	zipWriter := zip.NewWriter(w)
	for _, rel := range entries {
		if err := addEntry(zipWriter, root, rel); err != nil {
			_ = zipWriter.Close()
			return err
		}
	}
	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}

func addEntry(zipWriter *zip.Writer, root, rel string) error {
	src, err := os.Open(filepath.Join(root, filepath.FromSlash(rel))) //nolint:gosec // path comes from walking the staging tree
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = src.Close() }()

	header := &zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: entryModTime}
	header.SetMode(0o644)
	entryWriter, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", rel, err)
	}
	if _, err := io.Copy(entryWriter, src); err != nil {
		return fmt.Errorf("copy %s into zip: %w", rel, err)
	}
	return nil
}
