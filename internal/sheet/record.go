// Package sheet reads spreadsheet worksheets as ordered, schema-less records.
package sheet

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Field is one named cell value. Value is one of string, float64, bool or nil;
// spreadsheets have no schema so nothing stronger is promised.
type Field struct {
	Name  string
	Value any
}

// Record is an ordered field mapping. Order follows the source columns and
// survives a JSON round trip, unlike a plain map.
type Record []Field

func (r Record) Get(name string) (any, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object")
	}

	fields := Record{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("record key must be a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode field %q: %w", key, err)
		}
		fields = append(fields, Field{Name: key, Value: coerce(value)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = fields
	return nil
}

// coerce flattens nested structures to their JSON text so a Record only ever
// holds scalar values.
func coerce(value any) any {
	switch v := value.(type) {
	case nil, string, float64, bool:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
