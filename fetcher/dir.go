package fetcher

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/utils"
)

// LoadPagesFromDir reads NVD CVE API responses saved as files under dir
func LoadPagesFromDir(dir string) ([]Page, error) {
	pages := []Page{}
	err := utils.FileWalk(dir, func(r io.Reader, path string) error {
		var resp nvdResponse
		if err := json.NewDecoder(r).Decode(&resp); err != nil {
			return xerrors.Errorf("Failed to decode %s. err: %w", path, err)
		}
		log15.Debug("Loaded page", "path", path, "items", len(resp.Result.CVEItems))
		pages = append(pages, resp.page())
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("Failed to load pages. dir: %s, err: %w", dir, err)
	}
	return pages, nil
}

// WritePages saves pages under dir in the same format LoadPagesFromDir reads
func WritePages(dir string, pages []Page) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return xerrors.Errorf("Failed to create page directory. err: %w", err)
	}
	for i, p := range pages {
		var resp nvdResponse
		resp.ResultsPerPage = len(p.Items)
		resp.StartIndex = p.StartIndex
		resp.TotalResults = p.TotalResults
		resp.Result.CVEDataType = "CVE"
		resp.Result.CVEItems = p.Items

		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("page-%05d.json", i)))
		if err != nil {
			return xerrors.Errorf("Failed to create page file. err: %w", err)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			_ = f.Close() // ignore error; Write error takes precedence
			return xerrors.Errorf("Failed to encode page. err: %w", err)
		}
		if err := f.Close(); err != nil {
			return xerrors.Errorf("Failed to close page file. err: %w", err)
		}
	}
	return nil
}
