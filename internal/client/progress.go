package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const progressVersion = 1

// progressFile is the resume fast path: a small JSON object recording the
// verified piece indices, rewritten atomically after each verified piece. An
// absent or unparseable file falls back to full on-disk verification.
type progressFile struct {
	Have    []int `json:"have"`
	Version int   `json:"version"`
}

// progressPath sits next to the content: <download-dir>/<name>.progress.
func progressPath(downloadDir, name string) string {
	return filepath.Join(downloadDir, name+".progress")
}

// loadProgress reads and validates the progress file. A missing file returns
// (nil, nil); a corrupt one returns an error so the caller can fall back.
func loadProgress(path string, numPieces int) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var pf progressFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("progress file unparseable: %w", err)
	}
	if pf.Version != progressVersion {
		return nil, fmt.Errorf("progress file version %d unsupported", pf.Version)
	}

	for _, idx := range pf.Have {
		if idx < 0 || idx >= numPieces {
			return nil, fmt.Errorf("progress file piece index %d out of range", idx)
		}
	}

	return pf.Have, nil
}

// saveProgress writes the progress file atomically: temp file in the same
// directory, fsync, rename.
func saveProgress(path string, have []int) error {
	if have == nil {
		have = []int{}
	}

	data, err := json.Marshal(progressFile{Have: have, Version: progressVersion})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
