package fetcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndLoadPages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pages")
	pages := []Page{
		{StartIndex: 0, TotalResults: 3, Items: []json.RawMessage{json.RawMessage(`{"cve":{"CVE_data_meta":{"ID":"CVE-2023-0001"}}}`), json.RawMessage(`{"cve":{"CVE_data_meta":{"ID":"CVE-2023-0002"}}}`)}},
		{StartIndex: 2, TotalResults: 3, Items: []json.RawMessage{json.RawMessage(`{"cve":{"CVE_data_meta":{"ID":"CVE-2023-0003"}}}`)}},
	}
	require.NoError(t, WritePages(dir, pages))

	// empty files are skipped
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz-empty.json"), nil, 0600))

	loaded, err := LoadPagesFromDir(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, 2, loaded[1].StartIndex)
	assert.Equal(t, 3, loaded[0].TotalResults)
	require.Len(t, loaded[0].Items, 2)
	assert.JSONEq(t, string(pages[0].Items[1]), string(loaded[0].Items[1]))
}

func TestLoadPagesFromDir_broken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.json"), []byte(`{"result": `), 0600))
	_, err := LoadPagesFromDir(dir)
	assert.Error(t, err)
}
