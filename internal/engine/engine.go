// Package engine implements the per-database document engine: an
// in-memory image of one JSON database file with sections, a keys
// registry per section, and CRUD plus query operations over records.
//
// Every mutating operation clones the current image, mutates the
// clone, and only then installs it, so a failed operation leaves the
// visible state untouched. One mutex serializes all public
// operations; the unit of locking is the whole database.
package engine

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/axonops/axonops-docstore/internal/dberr"
	"github.com/axonops/axonops-docstore/internal/query"
)

// IDGenerator produces record IDs for inserts.
type IDGenerator func() string

// Engine owns one database file.
type Engine struct {
	mu         sync.Mutex
	filename   string
	autoUpdate bool
	mem        *image
	idGen      IDGenerator
}

// New opens the engine for filename. With autoUpdate every operation
// reads and writes the file directly; without it the engine works on
// an in-memory image moved to and from disk by ForceLoad and Commit.
// A missing file is created empty.
func New(filename string, autoUpdate bool) (*Engine, error) {
	e := &Engine{
		filename:   filename,
		autoUpdate: autoUpdate,
		mem:        newImage(),
	}
	e.idGen = e.uuid18
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		data, err := e.mem.marshal()
		if err != nil {
			return nil, err
		}
		if err := writeFileAtomic(filename, data); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filename, err)
	}
	return e, nil
}

// Filename returns the backing file path.
func (e *Engine) Filename() string {
	return e.filename
}

// load produces a private copy of the current image.
func (e *Engine) load() (*image, error) {
	if e.autoUpdate {
		data, err := os.ReadFile(e.filename)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, dberr.New(dberr.KindDatabaseNotFound, "database file %s does not exist", e.filename)
			}
			return nil, fmt.Errorf("read %s: %w", e.filename, err)
		}
		return unmarshalImage(data)
	}
	return e.mem.clone(), nil
}

// store installs a mutated image.
func (e *Engine) store(img *image) error {
	if e.autoUpdate {
		data, err := img.marshal()
		if err != nil {
			return err
		}
		return writeFileAtomic(e.filename, data)
	}
	e.mem = img
	return nil
}

// ForceLoad replaces the in-memory image with the file contents.
// Only meaningful when autoUpdate is off.
func (e *Engine) ForceLoad() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoUpdate {
		return nil
	}
	data, err := os.ReadFile(e.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return dberr.New(dberr.KindDatabaseNotFound, "database file %s does not exist", e.filename)
		}
		return fmt.Errorf("read %s: %w", e.filename, err)
	}
	img, err := unmarshalImage(data)
	if err != nil {
		return err
	}
	e.mem = img
	return nil
}

// Commit writes the in-memory image to the file. Only meaningful when
// autoUpdate is off.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoUpdate {
		return nil
	}
	data, err := e.mem.marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(e.filename, data)
}

// section resolves the keys list and record map of a section,
// distinguishing an unknown section from a malformed schema.
func (img *image) section(name string) ([]string, map[string]map[string]any, error) {
	keys, ok := img.Keys[name]
	if !ok {
		return nil, nil, dberr.New(dberr.KindSectionNotFound, "section %q does not exist in the database", name)
	}
	records, ok := img.Sections[name]
	if !ok {
		return nil, nil, dberr.New(dberr.KindSchemaType, "section %q has keys but no data mapping", name)
	}
	return keys, records, nil
}

func sortedFields(record map[string]any) []string {
	fields := make([]string, 0, len(record))
	for k := range record {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// symmetricDiff returns the elements present in exactly one of the
// two sorted lists, for UnknownKeyError messages.
func symmetricDiff(a, b []string) []string {
	seen := map[string]int{}
	for _, k := range a {
		seen[k]++
	}
	for _, k := range b {
		seen[k] += 2
	}
	var diff []string
	for k, v := range seen {
		if v != 3 {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// checkFields validates a record's field set against the section
// keys. An empty keys list adopts the record's fields.
func checkFields(keys []string, record map[string]any, ignore bool) ([]string, error) {
	fields := sortedFields(record)
	if len(keys) == 0 {
		return fields, nil
	}
	if !ignore && !equalStrings(keys, fields) {
		return nil, dberr.New(dberr.KindUnknownKey,
			"unrecognized / missing key(s) %v (either the key(s) do not exist in the DB or are missing in the given data)",
			symmetricDiff(keys, fields))
	}
	return keys, nil
}

// Add inserts one record into a section and returns its new ID.
func (e *Engine) Add(section string, record map[string]any, ignore bool) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return "", err
	}
	keys, records, err := img.section(section)
	if err != nil {
		return "", err
	}
	keys, err = checkFields(keys, record, ignore)
	if err != nil {
		return "", err
	}
	id := e.idGen()
	if _, exists := records[id]; exists {
		return "", dberr.New(dberr.KindInternal, "generated ID %q collides with an existing record", id)
	}
	img.Keys[section] = keys
	records[id] = copyRecord(record)
	if err := e.store(img); err != nil {
		return "", err
	}
	return id, nil
}

// AddMany inserts a batch of records. All records are validated
// before any insert happens. It returns the allocated IDs when
// jsonResponse is set and true otherwise; an empty batch returns nil.
func (e *Engine) AddMany(section string, data []map[string]any, jsonResponse, ignore bool) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	keys, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = sortedFields(data[0])
	}
	for _, record := range data {
		if _, err := checkFields(keys, record, ignore); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(data))
	for _, record := range data {
		id := e.idGen()
		if _, exists := records[id]; exists {
			return nil, dberr.New(dberr.KindInternal, "generated ID %q collides with an existing record", id)
		}
		records[id] = copyRecord(record)
		ids = append(ids, id)
	}
	img.Keys[section] = keys
	if err := e.store(img); err != nil {
		return nil, err
	}
	if jsonResponse {
		return ids, nil
	}
	return true, nil
}

// GetAll returns every section's record map, excluding the metadata
// keys.
func (e *Engine) GetAll() (map[string]map[string]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	return img.Sections, nil
}

// GetAllBySection returns the record map of one section.
func (e *Engine) GetAllBySection(section string) (map[string]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	_, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetByID returns one record.
func (e *Engine) GetByID(section, id string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	_, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, dberr.New(dberr.KindIDDoesNotExist, "ID %q does not exist in the DB", id)
	}
	return record, nil
}

// GetByQuery returns the records matching a compiled predicate,
// keyed by ID.
func (e *Engine) GetByQuery(section string, pred query.Predicate) (map[string]map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	_, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	matched := map[string]map[string]any{}
	for id, record := range records {
		if pred(record) {
			matched[id] = record
		}
	}
	return matched, nil
}

// UpdateByID shallow-merges a patch into one record. Every patch key
// must already be registered for the section.
func (e *Engine) UpdateByID(section, id string, patch map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	keys, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	if err := checkPatch(keys, patch); err != nil {
		return nil, err
	}
	record, ok := records[id]
	if !ok {
		return nil, dberr.New(dberr.KindIDDoesNotExist, "ID %q does not exist in the DB", id)
	}
	merged := copyRecord(record)
	for k, v := range patch {
		merged[k] = copyValue(v)
	}
	records[id] = merged
	if err := e.store(img); err != nil {
		return nil, err
	}
	return merged, nil
}

// UpdateByQuery shallow-merges a patch into every matching record and
// returns the updated IDs.
func (e *Engine) UpdateByQuery(section string, pred query.Predicate, patch map[string]any) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	keys, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	if err := checkPatch(keys, patch); err != nil {
		return nil, err
	}
	updated := []string{}
	for id, record := range records {
		if pred(record) {
			merged := copyRecord(record)
			for k, v := range patch {
				merged[k] = copyValue(v)
			}
			records[id] = merged
			updated = append(updated, id)
		}
	}
	sort.Strings(updated)
	if err := e.store(img); err != nil {
		return nil, err
	}
	return updated, nil
}

func checkPatch(keys []string, patch map[string]any) error {
	var unknown []string
	for k := range patch {
		found := false
		for _, key := range keys {
			if key == k {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return dberr.New(dberr.KindUnknownKey, "unrecognized key(s) %v", unknown)
	}
	return nil
}

// DeleteByID removes one record.
func (e *Engine) DeleteByID(section, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return err
	}
	_, records, err := img.section(section)
	if err != nil {
		return err
	}
	if _, ok := records[id]; !ok {
		return dberr.New(dberr.KindIDDoesNotExist, "ID %q does not exist in the DB", id)
	}
	delete(records, id)
	return e.store(img)
}

// DeleteByQuery removes every matching record and returns the deleted
// IDs.
func (e *Engine) DeleteByQuery(section string, pred query.Predicate) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return nil, err
	}
	_, records, err := img.section(section)
	if err != nil {
		return nil, err
	}
	deleted := []string{}
	for id, record := range records {
		if pred(record) {
			deleted = append(deleted, id)
		}
	}
	for _, id := range deleted {
		delete(records, id)
	}
	sort.Strings(deleted)
	if err := e.store(img); err != nil {
		return nil, err
	}
	return deleted, nil
}

// Purge empties one section and clears its keys.
func (e *Engine) Purge(section string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return err
	}
	if _, _, err := img.section(section); err != nil {
		return err
	}
	img.Sections[section] = map[string]map[string]any{}
	img.Keys[section] = []string{}
	return e.store(img)
}

// PurgeAll empties every section. Section names are retained.
func (e *Engine) PurgeAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return err
	}
	for section := range img.Keys {
		img.Sections[section] = map[string]map[string]any{}
		img.Keys[section] = []string{}
	}
	return e.store(img)
}

// AddNewKey registers an additional field for a section and sets it
// to def on every existing record. def must be a string, integer,
// boolean, list, mapping, or null.
func (e *Engine) AddNewKey(section, key string, def any) error {
	if err := checkDefault(def); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return err
	}
	keys, records, err := img.section(section)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return dberr.New(dberr.KindUnknownKey, "key %q already exists in section %q", key, section)
		}
	}
	keys = append(append([]string(nil), keys...), key)
	sort.Strings(keys)
	img.Keys[section] = keys
	for id, record := range records {
		record[key] = copyValue(def)
		records[id] = record
	}
	return e.store(img)
}

func checkDefault(def any) error {
	switch t := def.(type) {
	case nil, string, bool, []any, map[string]any, int, int64:
		return nil
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return nil
		}
	}
	return dberr.New(dberr.KindTypeError,
		"default field must be one of (list, int, str, bool, dict) but got %T", def)
}

// AddSection creates an empty section with an empty keys list.
func (e *Engine) AddSection(section string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return err
	}
	if _, ok := img.Keys[section]; ok {
		return dberr.New(dberr.KindSectionAlreadyExists, "section %q already exists in the database", section)
	}
	img.Keys[section] = []string{}
	img.Sections[section] = map[string]map[string]any{}
	return e.store(img)
}

// HasSection reports whether a section exists, for USE_SECTION.
func (e *Engine) HasSection(section string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, err := e.load()
	if err != nil {
		return false, err
	}
	_, ok := img.Keys[section]
	return ok, nil
}
