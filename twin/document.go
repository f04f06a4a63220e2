package twin

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned by the document mutators when the
// requested status change is not allowed from the current status.
var ErrInvalidTransition = errors.New("invalid identity status transition")

// ParseError is returned when a document is not valid JSON or carries a
// field of the wrong shape.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid identity document: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Document is the shared per-module twin document. Only the identity related
// fields are modelled, any other field is carried through untouched.
type Document struct {
	Tags       *Tags
	Properties *Properties

	extra map[string]json.RawMessage
}

// Tags are authority-side annotations, not synchronised to the device.
type Tags struct {
	// IdentityPassword is only written when diagnostic persistence is
	// explicitly enabled on the authority.
	IdentityPassword string

	extra map[string]json.RawMessage
}

// Properties holds the synchronised property sections. Only the desired
// section is modelled, the reported one is carried as unknown content.
type Properties struct {
	Desired *Desired

	extra map[string]json.RawMessage
}

// Desired is the desired-properties subtree pushed to the device.
type Desired struct {
	IdentityStatus    IdentityStatus
	IdentityUserName  string
	IdentityConfirmed bool

	extra map[string]json.RawMessage
}

// Parse decodes a document. Missing subtrees are valid and stay nil.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	return doc, nil
}

// ParseDesired decodes a desired-properties subtree as delivered to devices.
func ParseDesired(data []byte) (*Desired, error) {
	desired := &Desired{}
	if err := json.Unmarshal(data, desired); err != nil {
		return nil, &ParseError{Err: err}
	}
	return desired, nil
}

// Serialize encodes the document. Parse(Serialize(d)) yields d.
//
// Modelled fields holding their zero value are left out, unless the parsed
// input carried them explicitly: a document read with
// "identityConfirmed": false or "identityPassword": "" is written back with
// the same members. Fields the document does not model are written back
// verbatim.
//
// Returns:
//   - The JSON encoding of the document, "{}" for a nil document
//   - An error if a preserved member cannot be encoded
func (d *Document) Serialize() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

// CheckStatus reports whether the desired identity status equals wanted. It
// is false for every status, including the unset one, when the desired
// subtree is absent.
func (d *Document) CheckStatus(wanted IdentityStatus) bool {
	if d == nil || d.Properties == nil || d.Properties.Desired == nil {
		return false
	}
	return d.Properties.Desired.IdentityStatus == wanted
}

// Status returns the desired identity status, or StatusUnset.
func (d *Document) Status() IdentityStatus {
	if d == nil || d.Properties == nil || d.Properties.Desired == nil {
		return StatusUnset
	}
	return d.Properties.Desired.IdentityStatus
}

// UserName returns the published identity username, if any.
func (d *Document) UserName() string {
	if d == nil || d.Properties == nil || d.Properties.Desired == nil {
		return ""
	}
	return d.Properties.Desired.IdentityUserName
}

// DesiredProperties returns the desired subtree, allocating it if needed.
func (d *Document) DesiredProperties() *Desired {
	if d.Properties == nil {
		d.Properties = &Properties{}
	}
	if d.Properties.Desired == nil {
		d.Properties.Desired = &Desired{}
	}
	return d.Properties.Desired
}

// WithDesired returns a copy of d whose desired subtree is replaced. It is
// used by devices that receive desired-property patches only.
func (d *Document) WithDesired(desired *Desired) *Document {
	out := d.Clone()
	if out == nil {
		out = &Document{}
	}
	if out.Properties == nil {
		out.Properties = &Properties{}
	}
	out.Properties.Desired = desired.Clone()
	return out
}

// StartCycle marks the document as having a provisioning cycle in progress.
func (d *Document) StartCycle(status IdentityStatus) error {
	if !status.IsInProgress() {
		return fmt.Errorf("%w: %s is not an in-progress status", ErrInvalidTransition, status)
	}
	desired := d.DesiredProperties()
	desired.IdentityStatus = status
	desired.IdentityConfirmed = false
	return nil
}

// Complete records the outcome of a provisioning cycle.
func (d *Document) Complete(status IdentityStatus, userName string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	}
	if !CanTransition(d.Status(), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status(), status)
	}
	desired := d.DesiredProperties()
	desired.IdentityStatus = status
	desired.IdentityUserName = userName
	desired.IdentityConfirmed = status == StatusIdentityCreated
	return nil
}

// SetDiagnosticPassword stores the derived password in the tags.
func (d *Document) SetDiagnosticPassword(password string) {
	if d.Tags == nil {
		d.Tags = &Tags{}
	}
	d.Tags.IdentityPassword = password
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{extra: cloneExtra(d.extra)}
	if d.Tags != nil {
		out.Tags = &Tags{IdentityPassword: d.Tags.IdentityPassword, extra: cloneExtra(d.Tags.extra)}
	}
	if d.Properties != nil {
		out.Properties = &Properties{
			Desired: d.Properties.Desired.Clone(),
			extra:   cloneExtra(d.Properties.extra),
		}
	}
	return out
}

// Clone returns a deep copy of d.
func (d *Desired) Clone() *Desired {
	if d == nil {
		return nil
	}
	out := *d
	out.extra = cloneExtra(d.extra)
	return &out
}

func (d Document) MarshalJSON() ([]byte, error) {
	return encodeMembers(d.extra,
		field{key: "tags", value: d.Tags, omit: d.Tags == nil},
		field{key: "properties", value: d.Properties, omit: d.Properties == nil},
	)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	if err := m.take("tags", &d.Tags); err != nil {
		return fmt.Errorf("tags: %w", err)
	}
	if err := m.take("properties", &d.Properties); err != nil {
		return fmt.Errorf("properties: %w", err)
	}
	d.extra = m.rest()
	return nil
}

func (t Tags) MarshalJSON() ([]byte, error) {
	return encodeMembers(t.extra,
		field{key: "identityPassword", value: t.IdentityPassword, omit: t.IdentityPassword == ""},
	)
}

func (t *Tags) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	if err := m.take("identityPassword", &t.IdentityPassword); err != nil {
		return fmt.Errorf("identityPassword: %w", err)
	}
	t.extra = m.rest()
	return nil
}

func (p Properties) MarshalJSON() ([]byte, error) {
	return encodeMembers(p.extra,
		field{key: "desired", value: p.Desired, omit: p.Desired == nil},
	)
}

func (p *Properties) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	if err := m.take("desired", &p.Desired); err != nil {
		return fmt.Errorf("desired: %w", err)
	}
	p.extra = m.rest()
	return nil
}

func (d Desired) MarshalJSON() ([]byte, error) {
	return encodeMembers(d.extra,
		field{key: "identityStatus", value: d.IdentityStatus, omit: d.IdentityStatus == StatusUnset},
		field{key: "identityUserName", value: d.IdentityUserName, omit: d.IdentityUserName == ""},
		field{key: "identityConfirmed", value: d.IdentityConfirmed, omit: !d.IdentityConfirmed},
	)
}

func (d *Desired) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	if err := m.take("identityStatus", &d.IdentityStatus); err != nil {
		return fmt.Errorf("identityStatus: %w", err)
	}
	if err := m.take("identityUserName", &d.IdentityUserName); err != nil {
		return fmt.Errorf("identityUserName: %w", err)
	}
	if err := m.take("identityConfirmed", &d.IdentityConfirmed); err != nil {
		return fmt.Errorf("identityConfirmed: %w", err)
	}
	d.extra = m.rest()
	return nil
}
