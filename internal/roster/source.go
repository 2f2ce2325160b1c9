package roster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultEntitlementsSheet = "Roster"
	DefaultMappingSheet      = "Chats"
	DefaultDebounceWindow    = 10 * time.Second
)

type Metadata struct {
	ModifiedAt time.Time
}

// Capability is the remote spreadsheet the roster lives in.
type Capability interface {
	FetchMetadata(ctx context.Context) (Metadata, error)
	FetchRows(ctx context.Context, sheet string) ([][]string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type SourceOptions struct {
	EntitlementsSheet string
	MappingSheet      string
	DebounceWindow    time.Duration
	Logger            Logger
	Now               func() time.Time
}

type Source struct {
	capability        Capability
	entitlementsSheet string
	mappingSheet      string
	debounce          time.Duration
	logger            Logger
	now               func() time.Time

	mu           sync.Mutex
	forced       bool
	hasModified  bool
	lastModified time.Time
	hashPrimed   bool
	lastHash     string
	lastHashAt   time.Time
	lastAnswer   bool
}

func NewSource(capability Capability, opts SourceOptions) (*Source, error) {
	if capability == nil {
		return nil, fmt.Errorf("roster capability is required")
	}
	entitlements := strings.TrimSpace(opts.EntitlementsSheet)
	if entitlements == "" {
		entitlements = DefaultEntitlementsSheet
	}
	mapping := strings.TrimSpace(opts.MappingSheet)
	if mapping == "" {
		mapping = DefaultMappingSheet
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Source{
		capability:        capability,
		entitlementsSheet: entitlements,
		mappingSheet:      mapping,
		debounce:          debounce,
		logger:            opts.Logger,
		now:               now,
	}, nil
}

// Changed reports whether the roster moved since the last check. The
// modification timestamp is consulted first; when it is unavailable the
// content hash is recomputed at most once per debounce window. The first
// call always reports a change.
func (s *Source) Changed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.capability.FetchMetadata(ctx)
	if err == nil && !meta.ModifiedAt.IsZero() {
		if s.forced || !s.hasModified || !meta.ModifiedAt.Equal(s.lastModified) {
			s.forced = false
			s.hasModified = true
			s.lastModified = meta.ModifiedAt
			return true, nil
		}
		return false, nil
	}
	if err != nil {
		s.logf("roster metadata unavailable, falling back to content hash: %v", err)
	}

	now := s.now()
	if !s.forced && s.hashPrimed && now.Sub(s.lastHashAt) < s.debounce {
		return s.lastAnswer, nil
	}
	sheets, err := s.fetch(ctx)
	if err != nil {
		return false, err
	}
	hash := hashSheets(sheets)
	changed := s.forced || !s.hashPrimed || hash != s.lastHash
	s.forced = false
	s.hashPrimed = true
	s.lastHash = hash
	s.lastHashAt = now
	s.lastAnswer = changed
	return changed, nil
}

// Invalidate makes the next Changed call report a change.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forced = true
}

// Fetch pulls both sheets. The fetched content becomes the baseline for
// the hash fallback.
func (s *Source) Fetch(ctx context.Context) (Sheets, error) {
	sheets, err := s.fetch(ctx)
	if err != nil {
		return Sheets{}, err
	}
	s.mu.Lock()
	s.hashPrimed = true
	s.lastHash = hashSheets(sheets)
	s.lastHashAt = s.now()
	s.lastAnswer = false
	s.mu.Unlock()
	return sheets, nil
}

// Load fetches and normalizes the roster.
func (s *Source) Load(ctx context.Context) ([]UserRecord, error) {
	sheets, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	normalized, err := Normalize(sheets)
	if err != nil {
		return nil, err
	}
	for _, warning := range normalized.Warnings {
		s.logf("roster warning: %v", warning)
	}
	return normalized.Records, nil
}

func (s *Source) fetch(ctx context.Context) (Sheets, error) {
	entitlements, err := s.capability.FetchRows(ctx, s.entitlementsSheet)
	if err != nil {
		return Sheets{}, fmt.Errorf("fetch sheet %s: %w", s.entitlementsSheet, err)
	}
	mapping, err := s.capability.FetchRows(ctx, s.mappingSheet)
	if err != nil {
		return Sheets{}, fmt.Errorf("fetch sheet %s: %w", s.mappingSheet, err)
	}
	return Sheets{Entitlements: entitlements, Mapping: mapping}, nil
}

func (s *Source) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func hashSheets(sheets Sheets) string {
	data, _ := json.Marshal([2][][]string{sheets.Entitlements, sheets.Mapping})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
