package dataset

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
)

const DefaultPatientPrefix = "PAT-"

// DefaultExtensions are the scan file extensions recognized out of the box
var DefaultExtensions = []string{".dcm", ".dicom", ".ima"}

// Indexer walks a dataset laid out as root/<identity>/.../<series>/<slices>
type Indexer struct {
	extensions map[string]struct{}
	prefix     string
}

// Option configures Indexer
type Option func(*Indexer)

// WithExtensions replaces the recognized scan file extensions
func WithExtensions(exts ...string) Option {
	return func(x *Indexer) {
		x.extensions = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			x.extensions[ext] = struct{}{}
		}
	}
}

// WithPatientPrefix sets the prefix prepended to identity folder names
func WithPatientPrefix(prefix string) Option {
	return func(x *Indexer) {
		x.prefix = prefix
	}
}

func New(opts ...Option) *Indexer {
	x := &Indexer{prefix: DefaultPatientPrefix}
	WithExtensions(DefaultExtensions...)(x)
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Index returns one candidate per scan series of every annotated identity
// folder under root. Unannotated folders are skipped; an empty result is not
// an error. Output is ordered by identity folder, then series path.
func (x *Indexer) Index(ctx context.Context, root string, lookup model.MetadataLookup) ([]*model.IngestionCandidate, error) {
	logger := logging.From(ctx)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "dataset root does not exist", goerr.V("root", root))
		}
		return nil, goerr.Wrap(err, "failed to read dataset root", goerr.V("root", root))
	}

	var candidates []*model.IngestionCandidate
	for _, entry := range entries {
		if !entry.IsDir() || isHidden(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "indexing canceled")
		}

		folder := entry.Name()
		key := model.NormalizeIdentity(folder)
		notes, ok := lookup.Lookup(key)
		if !ok {
			logger.Debug("skip unannotated identity folder", "folder", folder, "key", key)
			continue
		}

		found, err := x.indexIdentity(filepath.Join(root, folder), folder, key, notes)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, found...)
	}

	logger.Info("dataset indexed", "root", root, "candidates", len(candidates))
	return candidates, nil
}

func (x *Indexer) indexIdentity(dir, folder, key, notes string) ([]*model.IngestionCandidate, error) {
	var candidates []*model.IngestionCandidate

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return goerr.Wrap(err, "failed to walk identity folder", goerr.V("path", path))
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHidden(d.Name()) {
			return filepath.SkipDir
		}

		files, leaf, err := x.scanFiles(path)
		if err != nil {
			return err
		}
		if !leaf || len(files) == 0 {
			return nil
		}

		candidates = append(candidates, &model.IngestionCandidate{
			PatientID:  x.prefix + folder,
			OriginalID: key,
			Name:       "Patient " + key,
			ScanType:   d.Name(),
			Notes:      notes,
			FilePath:   filepath.Join(path, Representative(files)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return candidates, nil
}

// scanFiles lists recognized scan files directly inside dir, sorted by name,
// and reports whether dir is a leaf (no visible subdirectory).
func (x *Indexer) scanFiles(dir string) ([]string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false, goerr.Wrap(err, "failed to read series directory", goerr.V("dir", dir))
	}

	var files []string
	leaf := true
	for _, entry := range entries {
		if isHidden(entry.Name()) {
			continue
		}
		if entry.IsDir() {
			leaf = false
			continue
		}
		if _, ok := x.extensions[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, leaf, nil
}

// Representative picks the median element of a sorted file list; even
// lengths take the upper middle (index len/2).
func Representative(sorted []string) string {
	if len(sorted) == 0 {
		return ""
	}
	return sorted[len(sorted)/2]
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
