package hoststore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// recordExt is the extension of the host record files.
const recordExt = ".json"

// Dir is the host records directory.
type Dir struct {
	path string
}

// NewDir returns a new *Dir for the directory at path.  The directory is not
// accessed until List or Subscribe are called.
func NewDir(path string) (d *Dir) {
	return &Dir{
		path: path,
	}
}

// Path returns the path of the directory.
func (d *Dir) Path() (path string) {
	return d.path
}

// List reads all the records from the directory, both enabled and disabled.
// Files that cannot be read or parsed are logged and skipped.  err is only
// returned when the directory itself cannot be read.
func (d *Dir) List(ctx context.Context) (recs []*Record, err error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("reading hosts dir: %w", err)
	}

	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		name := e.Name()
		if e.IsDir() || !isRecordFile(name) {
			continue
		}

		rec, readErr := readRecord(filepath.Join(d.path, name))
		if readErr != nil {
			log.Info("hoststore: warning: skipping %q: %s", name, readErr)

			continue
		}

		rec.Filename = name
		recs = append(recs, rec)
	}

	log.Debug("hoststore: read %d records from %s", len(recs), d.path)

	return recs, nil
}

// readRecord reads and parses the record file.
func readRecord(path string) (rec *Record, err error) {
	// #nosec G304 -- Trust the hosts directory given in the configuration.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rec = &Record{}
	err = json.Unmarshal(b, rec)
	if err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	return rec, nil
}

// isRecordFile returns true if name looks like a host record file.
func isRecordFile(name string) (ok bool) {
	return strings.HasSuffix(name, recordExt) && len(name) > len(recordExt)
}
