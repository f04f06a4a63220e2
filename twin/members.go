package twin

import (
	"encoding/json"
	"maps"
	"reflect"
)

// members holds the raw fields of a JSON object. Known fields are taken out
// as they are decoded, the remainder is kept verbatim so that a document
// written back after a read-modify-write does not lose content it does not
// model.
type members map[string]json.RawMessage

func decodeMembers(data []byte) (members, error) {
	var m members
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// take decodes the member key into v. A member that decodes to the zero
// value is left in m, so an explicit false, "" or null is written back as
// read unless the field is set in the meantime.
func (m members) take(key string, v any) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	if !reflect.ValueOf(v).Elem().IsZero() {
		delete(m, key)
	}
	return nil
}

func (m members) rest() map[string]json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	return m
}

type field struct {
	key   string
	value any
	omit  bool
}

// encodeMembers merges known fields over the preserved ones. An omitted field
// leaves a preserved member of the same key in place. Map keys are emitted
// sorted, which keeps serialization stable.
func encodeMembers(extra map[string]json.RawMessage, fields ...field) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(extra)+len(fields))
	maps.Copy(out, extra)
	for _, f := range fields {
		if f.omit {
			continue
		}
		raw, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		out[f.key] = raw
	}
	return json.Marshal(out)
}

func cloneExtra(extra map[string]json.RawMessage) map[string]json.RawMessage {
	if extra == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(extra))
	for k, v := range extra {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
