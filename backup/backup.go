// Package backup exports the hydrated values of bound keys as a snapshot
// file and restores a snapshot into the store.
package backup

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/syncstore"
)

// DefaultSchemaVersion is written into exported snapshots
const DefaultSchemaVersion = "1"

// Snapshot is a point-in-time export of selected keys
type Snapshot struct {
	SchemaVersion string                     `json:"backupSchemaVersion"`
	Date          string                     `json:"backupDate"`
	Data          map[string]json.RawMessage `json:"data"`
}

// Source provides the hydrated local value of a key
type Source interface {
	Snapshot(key string) ([]byte, error)
}

// Setter writes a value under a key
type Setter interface {
	Set(ctx context.Context, key string, value any) error
}

var _ Setter = (*syncstore.Store)(nil)

// Summary reports the outcome of an import per key
type Summary struct {
	Restored []string
	Skipped  []string
	Failed   map[string]error
}

// Err joins the per-key failures, or returns nil when every key was restored
func (s *Summary) Err() error {
	if len(s.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Failed))
	for k := range s.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, fmt.Errorf("%s: %w", k, s.Failed[k]))
	}
	return stderrors.Join(errs...)
}

// Service exports and imports snapshots
type Service struct {
	store         Setter
	source        Source
	prefix        string
	schemaVersion string
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithSource sets where exported values are read from
func WithSource(src Source) Option {
	return func(s *Service) { s.source = src }
}

// WithNamespacePrefix restricts imports to keys starting with prefix
func WithNamespacePrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

// WithSchemaVersion sets the version written into exports
func WithSchemaVersion(v string) Option {
	return func(s *Service) {
		if v != "" {
			s.schemaVersion = v
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Service that imports through store
func New(store Setter, opts ...Option) *Service {
	s := &Service{
		store:         store,
		schemaVersion: DefaultSchemaVersion,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "backup")
	return s
}

// Export builds a snapshot of keys from the source's hydrated values
func (s *Service) Export(keys []string) (*Snapshot, error) {
	if s.source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Backup", "Export", "no snapshot source configured")
	}

	snap := &Snapshot{
		SchemaVersion: s.schemaVersion,
		Date:          s.now().UTC().Format(time.RFC3339),
		Data:          make(map[string]json.RawMessage, len(keys)),
	}
	for _, key := range keys {
		raw, err := s.source.Snapshot(key)
		if err != nil {
			return nil, errors.Wrap(err, "Backup", "Export", "read "+key)
		}
		value := make(json.RawMessage, len(raw))
		copy(value, raw)
		snap.Data[key] = value
	}

	s.logger.Info("Snapshot exported", "keys", len(keys))
	return snap, nil
}

// Import restores the keys of a raw snapshot one at a time. Keys outside
// the namespace prefix are skipped. It returns a SnapshotValidationError,
// having written nothing, when raw has no data object. Import overwrites
// existing values.
func (s *Service) Import(ctx context.Context, raw []byte) (*Summary, error) {
	data, err := parse(raw)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	summary := &Summary{Failed: make(map[string]error)}
	for _, key := range keys {
		if !strings.HasPrefix(key, s.prefix) {
			summary.Skipped = append(summary.Skipped, key)
			continue
		}
		if err := ctx.Err(); err != nil {
			summary.Failed[key] = err
			continue
		}
		if err := s.store.Set(ctx, key, data[key]); err != nil {
			s.logger.Error("Restore failed", "key", key, "error", err)
			summary.Failed[key] = err
			continue
		}
		summary.Restored = append(summary.Restored, key)
	}

	s.logger.Info("Snapshot imported",
		"restored", len(summary.Restored), "skipped", len(summary.Skipped), "failed", len(summary.Failed))
	return summary, nil
}

// snapshotSchema describes a snapshot file. Unknown top-level fields are
// allowed so newer exports stay importable.
const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data"],
  "properties": {
    "backupSchemaVersion": {"type": "string"},
    "backupDate": {"type": "string"},
    "data": {"type": "object"}
  }
}`

var snapshotSchemaLoader = gojsonschema.NewStringLoader(snapshotSchema)

func parse(raw []byte) (map[string]json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, &errors.SnapshotValidationError{Reason: "not valid JSON"}
	}

	result, err := gojsonschema.Validate(snapshotSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &errors.SnapshotValidationError{Reason: "validate: " + err.Error()}
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return nil, &errors.SnapshotValidationError{Reason: strings.Join(reasons, "; ")}
	}

	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &errors.SnapshotValidationError{Reason: "data: " + err.Error()}
	}
	return envelope.Data, nil
}

// WriteFile writes snap to path through a temporary file and rename, so a
// reader never sees a partial file
func WriteFile(path string, snap *Snapshot) error {
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.WrapInvalid(err, "Backup", "WriteFile", "encode snapshot")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return errors.WrapFatal(err, "Backup", "WriteFile", "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		return errors.WrapFatal(err, "Backup", "WriteFile", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapFatal(err, "Backup", "WriteFile", "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapFatal(err, "Backup", "WriteFile", "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.WrapFatal(err, "Backup", "WriteFile", "rename snapshot")
	}
	return nil
}

// ReadFile reads a raw snapshot for Import
func ReadFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Backup", "ReadFile", "read snapshot")
	}
	return raw, nil
}
