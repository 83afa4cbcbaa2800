package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UsageField documents one argument of an action.
type UsageField struct {
	Name        string
	Description string
}

// Usage is the ordered argument schema of an action. It serializes as a JSON
// object whose keys keep their declared order.
type Usage []UsageField

// Keys returns the argument names in declared order.
func (u Usage) Keys() []string {
	keys := make([]string, len(u))
	for i, f := range u {
		keys[i] = f.Name
	}
	return keys
}

// Has reports whether name is a declared argument.
func (u Usage) Has(name string) bool {
	for _, f := range u {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Hint renders the schema the way it is shown to the model when its input
// was rejected.
func (u Usage) Hint() string {
	entries := make([]string, len(u))
	for i, f := range u {
		entries[i] = fmt.Sprintf("%s: [%s]", f.Name, f.Description)
	}
	return "{\n            " + strings.Join(entries, ",\n            ") + "\n}"
}

// MarshalJSON writes the fields as an ordered JSON object.
func (u Usage) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range u {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving key order.
func (u *Usage) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*u = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("trace: usage must be an object, got %v", tok)
	}
	var fields Usage
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("trace: usage key must be a string, got %v", kt)
		}
		var desc string
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("trace: usage %q: %w", key, err)
		}
		fields = append(fields, UsageField{Name: key, Description: desc})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*u = fields
	return nil
}

// ActionInfo is the serializable description of a registry entry.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       Usage  `json:"usage"`
	ReturnValue string `json:"return_value"`
	Function    string `json:"function"`
	IsPrimitive bool   `json:"is_primitive"`
}
