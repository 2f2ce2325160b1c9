package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/rostersync/internal/roster"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidRecord = errors.New("invalid record")
	ErrCorruptState  = errors.New("corrupt snapshot")
)

// Backend persists the roster snapshot. Load returns nil records when
// nothing was saved yet.
type Backend interface {
	Load() ([]roster.UserRecord, error)
	Save(records []roster.UserRecord) error
}

type backendCloser interface {
	Close() error
}

func CloseBackend(backend Backend) error {
	if closer, ok := backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

const snapshotSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": "integer", "minimum": 1},
			"username": {"type": "string"},
			"display_name": {"type": "string"},
			"role": {"type": "string"},
			"chats": {
				"type": ["array", "null"],
				"items": {"type": "integer"},
				"uniqueItems": true
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func snapshotValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("snapshot.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("snapshot.schema.json")
	})
	return compiledSchema, schemaErr
}

func encodeRecords(records []roster.UserRecord) ([]byte, error) {
	if records == nil {
		records = []roster.UserRecord{}
	}
	return json.MarshalIndent(records, "", "  ")
}

// decodeRecords validates a persisted payload against the snapshot schema
// before decoding it.
func decodeRecords(data []byte) ([]roster.UserRecord, error) {
	validator, err := snapshotValidator()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := validator.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var records []roster.UserRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if records == nil {
		records = []roster.UserRecord{}
	}
	for i := range records {
		if records[i].Chats == nil {
			records[i].Chats = []roster.ChatID{}
		}
	}
	return records, nil
}

type JSONFileBackend struct {
	Path string
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load() ([]roster.UserRecord, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecords(data)
}

func (b *JSONFileBackend) Save(records []roster.UserRecord) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

type InMemoryBackend struct {
	mu      sync.Mutex
	payload []byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{}
}

func (b *InMemoryBackend) Load() ([]roster.UserRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payload == nil {
		return nil, nil
	}
	return decodeRecords(b.payload)
}

func (b *InMemoryBackend) Save(records []roster.UserRecord) error {
	if b == nil {
		return nil
	}
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payload = data
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
