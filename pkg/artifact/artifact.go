package artifact

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/zen-systems/storyloom/pkg/schema"
)

// Value is one typed field of an artifact payload: free text or an
// ordered list of scalar items.
type Value struct {
	Kind  schema.Kind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Items []string    `json:"items,omitempty"`
}

// TextValue wraps s as a text field value.
func TextValue(s string) Value {
	return Value{Kind: schema.KindText, Text: s}
}

// ListValue wraps items as a list field value.
func ListValue(items ...string) Value {
	return Value{Kind: schema.KindList, Items: append([]string(nil), items...)}
}

func (v Value) String() string {
	if v.Kind == schema.KindList {
		return strings.Join(v.Items, ", ")
	}
	return v.Text
}

// Ref points at an artifact this artifact was derived from.
type Ref struct {
	Stage string `json:"stage"`
	Hash  string `json:"hash"`
}

// Source carries the invocation context an artifact is built from.
type Source struct {
	Stage      string
	Persona    string
	Adapter    string
	Model      string
	Prompt     string
	Provenance []Ref
}

// Artifact is the immutable, typed output of one pipeline stage. Raw keeps
// the unparsed model text; Fields holds the schema-validated payload;
// Content is the derived presentation text.
type Artifact struct {
	ID         string            `json:"id"`
	Stage      string            `json:"stage"`
	Persona    string            `json:"persona"`
	Adapter    string            `json:"adapter"`
	Model      string            `json:"model"`
	Prompt     string            `json:"prompt"`
	Raw        string            `json:"raw"`
	Fields     map[string]Value  `json:"fields"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Provenance []Ref             `json:"provenance,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Hash       string            `json:"hash"`
}

// New creates an Artifact with computed hash. The fields map and
// provenance slice are copied; later mutation of the caller's copies does
// not reach the artifact.
func New(src Source, raw string, fields map[string]Value) *Artifact {
	a := &Artifact{
		ID:         generateID(),
		Stage:      src.Stage,
		Persona:    src.Persona,
		Adapter:    src.Adapter,
		Model:      src.Model,
		Prompt:     src.Prompt,
		Raw:        raw,
		Fields:     copyFields(fields),
		Metadata:   make(map[string]string),
		Provenance: append([]Ref(nil), src.Provenance...),
		CreatedAt:  time.Now().UTC(),
	}
	a.Content = renderContent(a.Fields)
	a.Hash = a.computeHash()
	return a
}

// WithMetadata returns a copy of the artifact with one metadata entry
// added. The receiver is left untouched.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	copied := &Artifact{
		ID:         a.ID,
		Stage:      a.Stage,
		Persona:    a.Persona,
		Adapter:    a.Adapter,
		Model:      a.Model,
		Prompt:     a.Prompt,
		Raw:        a.Raw,
		Fields:     copyFields(a.Fields),
		Content:    a.Content,
		Metadata:   copyMetadata(a.Metadata),
		Provenance: append([]Ref(nil), a.Provenance...),
		CreatedAt:  a.CreatedAt,
		Hash:       a.Hash,
	}
	copied.Metadata[key] = value
	return copied
}

// Field returns a copy of the named field value.
func (a *Artifact) Field(name string) (Value, bool) {
	v, ok := a.Fields[strings.ToLower(name)]
	if !ok {
		return Value{}, false
	}
	return Value{Kind: v.Kind, Text: v.Text, Items: append([]string(nil), v.Items...)}, true
}

// Text returns the text of the named field, or "" when absent.
func (a *Artifact) Text(name string) string {
	v, ok := a.Field(name)
	if !ok {
		return ""
	}
	return v.Text
}

// List returns a copy of the items of the named field, or nil when absent.
func (a *Artifact) List(name string) []string {
	v, ok := a.Field(name)
	if !ok {
		return nil
	}
	return v.Items
}

// Ref returns the provenance reference for this artifact.
func (a *Artifact) Ref() Ref {
	return Ref{Stage: a.Stage, Hash: a.Hash}
}

// renderContent derives the presentation text: a lone text field is shown
// bare, anything else as name-prefixed lines in name order.
func renderContent(fields map[string]Value) string {
	if len(fields) == 1 {
		for _, v := range fields {
			if v.Kind == schema.KindText {
				return v.Text
			}
		}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+": "+fields[name].String())
	}
	return strings.Join(lines, "\n")
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Stage))
	h.Write([]byte(a.Raw))
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Adapter))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func generateID() string {
	h := sha256.New()
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(time.Now().UnixNano()))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func copyFields(fields map[string]Value) map[string]Value {
	copied := make(map[string]Value, len(fields))
	for name, v := range fields {
		copied[strings.ToLower(name)] = Value{
			Kind:  v.Kind,
			Text:  v.Text,
			Items: append([]string(nil), v.Items...),
		}
	}
	return copied
}

func copyMetadata(m map[string]string) map[string]string {
	copied := make(map[string]string, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}
