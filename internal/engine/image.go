package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/axonops/axonops-docstore/internal/dberr"
)

// schemaVersion is the only database file version this engine reads
// or writes.
const schemaVersion = 2

// image is the in-memory form of one database file. The on-disk JSON
// is flat: "version" and "keys" sit alongside one top-level entry per
// section; the split into Keys and Sections only exists in memory.
type image struct {
	Version  int
	Keys     map[string][]string
	Sections map[string]map[string]map[string]any
}

func newImage() *image {
	return &image{
		Version:  schemaVersion,
		Keys:     map[string][]string{},
		Sections: map[string]map[string]map[string]any{},
	}
}

// clone deep-copies the image so mutations never touch the original.
func (img *image) clone() *image {
	out := newImage()
	out.Version = img.Version
	for section, keys := range img.Keys {
		out.Keys[section] = append([]string(nil), keys...)
	}
	for section, records := range img.Sections {
		dst := make(map[string]map[string]any, len(records))
		for id, record := range records {
			dst[id] = copyRecord(record)
		}
		out.Sections[section] = dst
	}
	return out
}

func copyRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyRecord(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}

// marshal serializes the image to the flat on-disk JSON form.
func (img *image) marshal() ([]byte, error) {
	flat := make(map[string]any, len(img.Sections)+2)
	flat["version"] = img.Version
	flat["keys"] = img.Keys
	for section, records := range img.Sections {
		flat[section] = records
	}
	return json.MarshalIndent(flat, "", "    ")
}

// unmarshalImage parses the flat form and checks the schema
// invariants: version match, every section present in both the keys
// registry and the data mapping, keys sorted and unique.
func unmarshalImage(data []byte) (*image, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, dberr.New(dberr.KindSchemaType, "database file is not a JSON object: %v", err)
	}

	img := newImage()
	rawVersion, ok := flat["version"]
	if !ok {
		return nil, dberr.New(dberr.KindSchemaType, `database file has no "version" key`)
	}
	if err := json.Unmarshal(rawVersion, &img.Version); err != nil || img.Version != schemaVersion {
		return nil, dberr.New(dberr.KindSchemaType, "unsupported database version %s (want %d)", rawVersion, schemaVersion)
	}

	rawKeys, ok := flat["keys"]
	if !ok {
		return nil, dberr.New(dberr.KindSchemaType, `database file has no "keys" registry`)
	}
	if err := json.Unmarshal(rawKeys, &img.Keys); err != nil {
		return nil, dberr.New(dberr.KindSchemaType, "keys registry must map sections to string lists: %v", err)
	}

	for section, raw := range flat {
		if section == "version" || section == "keys" {
			continue
		}
		var records map[string]map[string]any
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, dberr.New(dberr.KindSchemaType, "section %q must map record IDs to objects: %v", section, err)
		}
		// A null body decodes to a nil map without error; it is not a
		// record mapping.
		if records == nil {
			return nil, dberr.New(dberr.KindSchemaType, "section %q must map record IDs to objects, got null", section)
		}
		img.Sections[section] = records
	}

	for section, keys := range img.Keys {
		if _, ok := img.Sections[section]; !ok {
			return nil, dberr.New(dberr.KindSchemaType, "section %q is registered in keys but has no data mapping", section)
		}
		if !sort.StringsAreSorted(keys) {
			return nil, dberr.New(dberr.KindSchemaType, "keys of section %q are not sorted", section)
		}
		for i := 1; i < len(keys); i++ {
			if keys[i] == keys[i-1] {
				return nil, dberr.New(dberr.KindSchemaType, "keys of section %q contain duplicate %q", section, keys[i])
			}
		}
	}
	for section := range img.Sections {
		if _, ok := img.Keys[section]; !ok {
			return nil, dberr.New(dberr.KindSchemaType, "section %q has data but is missing from the keys registry", section)
		}
	}
	return img, nil
}

// writeFileAtomic persists data with replace-on-write: a temp file in
// the target directory followed by a rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
