package sheets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/rostersync/internal/roster"
)

const sampleWorkbook = `sheets:
  Roster:
    - [id, username, display_name, role, General]
    - ["7", alice, Alice, admin, x]
  Chats:
    - [General, "-100111"]
`

func writeWorkbook(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileWorkbookFetchRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	writeWorkbook(t, path, sampleWorkbook)
	workbook, err := NewFileWorkbook(path, nil)
	require.NoError(t, err)

	rows, err := workbook.FetchRows(context.Background(), "Roster")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "username", "display_name", "role", "General"},
		{"7", "alice", "Alice", "admin", "x"},
	}, rows)

	_, err = workbook.FetchRows(context.Background(), "Missing")
	assert.ErrorIs(t, err, ErrSheetNotFound)
	assert.ErrorIs(t, err, roster.ErrRosterInvalid)

	meta, err := workbook.FetchMetadata(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.ModifiedAt.IsZero())
}

func TestFileWorkbookFeedsRosterSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	writeWorkbook(t, path, sampleWorkbook)
	workbook, err := NewFileWorkbook(path, nil)
	require.NoError(t, err)

	source, err := roster.NewSource(workbook, roster.SourceOptions{})
	require.NoError(t, err)
	records, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(7), records[0].ID)
	assert.Equal(t, []roster.ChatID{-100111}, records[0].Chats)
}

func TestFileWorkbookMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	writeWorkbook(t, path, "sheets: [unclosed")
	workbook, err := NewFileWorkbook(path, nil)
	require.NoError(t, err)
	_, err = workbook.FetchRows(context.Background(), "Roster")
	assert.Error(t, err)
}

func TestFileWorkbookWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	writeWorkbook(t, path, sampleWorkbook)
	workbook, err := NewFileWorkbook(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- workbook.Watch(ctx, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	// Unrelated files in the same directory are ignored.
	deadline := time.After(5 * time.Second)
	for {
		writeWorkbook(t, filepath.Join(dir, "other.yaml"), "x")
		writeWorkbook(t, path, sampleWorkbook+"\n")
		select {
		case <-changes:
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no change notification received")
		}
	}
}
