package persistence

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// ArchiveFile is the gzipped JSON file where the raw result artifact and
// its canonical outcomes are archived, alongside the structured store.
type ArchiveFile struct {
	// Path is the full path of the written file.
	Path string
	// Size is the number of uncompressed bytes written.
	Size int

	writer *gzip.Writer
	fp     *os.File
}

func newArchiveFile(datadir, baseName, runID string) (*ArchiveFile, error) {
	timestamp := time.Now()
	dir := path.Join(datadir, "runs", timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	filepath := path.Join(dir, baseName+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+runID+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return &ArchiveFile{
		Path:   filepath,
		writer: gzip.NewWriter(fp),
		fp:     fp,
	}, nil
}

// WriteArchive serializes v into a new archive file under datadir for the
// run identified by (baseName, runID) and returns the written file.
func WriteArchive(datadir, baseName, runID string, v interface{}) (*ArchiveFile, error) {
	af, err := newArchiveFile(datadir, baseName, runID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		af.close()
		return nil, err
	}
	if _, err := af.writer.Write(data); err != nil {
		af.close()
		return nil, err
	}
	af.Size = len(data)
	return af, af.close()
}

func (af *ArchiveFile) close() error {
	err := af.writer.Close()
	if err != nil {
		af.fp.Close()
		return err
	}
	return af.fp.Close()
}
