package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"audit-service/internal/domain"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

const (
	filePrefix = "audit-logs-"
	jsonExt    = ".json"
	gzipExt    = ".gz"
	dateLayout = "2006-01-02"

	maxRevisions = 1000
)

var namePattern = regexp.MustCompile(`^audit-logs-\d{4}-\d{2}-\d{2}(\.r\d+)?\.json(\.gz)?$`)

var errNotArchive = errors.New("not an audit archive file")

// Dir is a directory of archive units. Files are never overwritten: a second
// rotation for the same cutoff date gets a ".rN" revision suffix.
type Dir struct {
	Path     string
	Compress bool
}

func NewDir(path string, compress bool) (*Dir, error) {
	if path == "" {
		return nil, errors.New("archive location is empty")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Dir{Path: path, Compress: compress}, nil
}

// FileName returns the archive name for a cutoff date. Revision 0 is the
// plain name.
func FileName(cutoff time.Time, revision int, compress bool) string {
	name := filePrefix + cutoff.UTC().Format(dateLayout)
	if revision > 0 {
		name += fmt.Sprintf(".r%d", revision)
	}
	name += jsonExt
	if compress {
		name += gzipExt
	}
	return name
}

func IsArchiveFile(name string) bool {
	return namePattern.MatchString(name)
}

// Write encodes a into a temp file, syncs it and publishes it under a fresh
// name. It returns the final path and the size on disk. On error nothing is
// left in the directory.
func (d *Dir) Write(cutoff time.Time, a *domain.Archive) (string, int64, error) {
	tmp, err := os.CreateTemp(d.Path, ".audit-logs-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := d.encode(tmp, a); err != nil {
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close archive: %w", err)
	}

	path, err := d.publish(tmpPath, cutoff)
	if err != nil {
		return "", 0, err
	}
	committed = true
	if err := os.Remove(tmpPath); err != nil {
		log.WithError(err).WithField("path", tmpPath).Warn("Failed to remove temporary archive file")
	}
	d.syncDir()

	return path, info.Size(), nil
}

// publish hard-links the finished temp file under the first free revision
// name. A link never replaces an existing file, so a name taken concurrently
// by another writer moves on to the next revision.
func (d *Dir) publish(tmpPath string, cutoff time.Time) (string, error) {
	for rev := 0; rev < maxRevisions; rev++ {
		taken, err := d.revisionTaken(cutoff, rev)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}

		path := filepath.Join(d.Path, FileName(cutoff, rev, d.Compress))
		err = os.Link(tmpPath, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to move archive into place: %w", err)
		}
	}
	return "", fmt.Errorf("too many archives for %s", cutoff.UTC().Format(dateLayout))
}

func (d *Dir) encode(w io.Writer, a *domain.Archive) error {
	var gz *gzip.Writer
	if d.Compress {
		gz = gzip.NewWriter(w)
		w = gz
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("failed to encode archive: %w", err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress archive: %w", err)
		}
	}
	return nil
}

// revisionTaken reports whether rev is used for the cutoff date. Revisions
// are counted across compressed and plain files alike.
func (d *Dir) revisionTaken(cutoff time.Time, rev int) (bool, error) {
	for _, compress := range []bool{false, true} {
		_, err := os.Lstat(filepath.Join(d.Path, FileName(cutoff, rev, compress)))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to check archive name: %w", err)
		}
	}
	return false, nil
}

func (d *Dir) syncDir() {
	dir, err := os.Open(d.Path)
	if err != nil {
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		log.WithError(err).WithField("path", d.Path).Debug("Failed to sync archive directory")
	}
}

// List returns the archive units in the directory sorted by name. Files that
// do not follow the archive naming scheme are ignored.
func (d *Dir) List() ([]domain.ArchiveFile, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.ArchiveFile{}, nil
		}
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	return d.collect(entries), nil
}

// collect keeps the archive units among entries, sorted by name. An entry
// that cannot be stat'ed is logged and skipped so one bad file never hides
// the rest of the directory.
func (d *Dir) collect(entries []fs.DirEntry) []domain.ArchiveFile {
	files := make([]domain.ArchiveFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsArchiveFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.WithError(err).WithField("archive_file", entry.Name()).Warn("Skipping unreadable audit archive")
			}
			continue
		}
		files = append(files, domain.ArchiveFile{
			Name:    entry.Name(),
			Path:    filepath.Join(d.Path, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// Remove deletes one archive unit. Paths outside the directory or not named
// like an archive are refused.
func (d *Dir) Remove(path string) error {
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(d.Path) || !IsArchiveFile(filepath.Base(path)) {
		return fmt.Errorf("%s: %w", path, errNotArchive)
	}
	return os.Remove(path)
}

// ReadFile decodes an archive unit, compressed or not. Compression is
// detected from the content rather than the name.
func ReadFile(path string) (*domain.Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed archive: %w", err)
		}
		defer gz.Close()
		r = gz
	} else if strings.HasSuffix(path, gzipExt) {
		return nil, fmt.Errorf("archive %s is not gzip compressed", filepath.Base(path))
	}

	var a domain.Archive
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return &a, nil
}
