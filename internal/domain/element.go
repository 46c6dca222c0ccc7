package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ElementType is the JSON discriminator of a content element.
type ElementType string

const (
	TypeText    ElementType = "text"
	TypeImage   ElementType = "image"
	TypeVideo   ElementType = "video"
	TypeAudio   ElementType = "audio"
	TypeFile    ElementType = "file"
	TypeMention ElementType = "mention"
	TypeReply   ElementType = "reply"
	TypeForward ElementType = "forward"
)

// MaxNestingDepth bounds how deeply Forward elements may nest.
const MaxNestingDepth = 4

var (
	// ErrUnknownElement is returned when decoding an element with an unknown type.
	ErrUnknownElement = errors.New("unknown element type")
	// ErrNestingTooDeep is returned when forwards nest beyond MaxNestingDepth.
	ErrNestingTooDeep = errors.New("forward nesting too deep")
	// ErrEmptyElements is returned for a submission or forward without elements.
	ErrEmptyElements = errors.New("no content elements")
	// ErrInvalidElement is returned for an element missing its required payload.
	ErrInvalidElement = errors.New("invalid content element")
)

// Element is a closed sum type: *Text, *Media, *Mention, *Reply or *Forward.
type Element interface {
	Type() ElementType
	isElement()
}

// Text is a plain text fragment.
type Text struct {
	Content string
}

// Media references binary content. Before commit it carries either a remote
// URL or inline Data; once stored, File names the blob and Data is cleared.
type Media struct {
	Kind ElementType // TypeImage, TypeVideo, TypeAudio or TypeFile
	File string
	URL  string
	Data []byte
	MIME string
	Size int64
}

// Mention tags another user.
type Mention struct {
	UserID string
	Name   string
}

// Reply quotes an earlier message by its external id.
type Reply struct {
	MessageID string
}

// Forward wraps a nested list of elements.
type Forward struct {
	From     string
	Elements Elements
}

func (*Text) Type() ElementType    { return TypeText }
func (m *Media) Type() ElementType { return m.Kind }
func (*Mention) Type() ElementType { return TypeMention }
func (*Reply) Type() ElementType   { return TypeReply }
func (*Forward) Type() ElementType { return TypeForward }

func (*Text) isElement()    {}
func (*Media) isElement()   {}
func (*Mention) isElement() {}
func (*Reply) isElement()   {}
func (*Forward) isElement() {}

// NeedsFetch reports whether the media bytes must be downloaded from URL.
func (m *Media) NeedsFetch() bool {
	return m.File == "" && len(m.Data) == 0 && m.URL != ""
}

// IsMediaKind reports whether t names a media variant.
func IsMediaKind(t ElementType) bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Elements is an ordered list of content elements.
type Elements []Element

// Walk visits every element depth-first, descending into forwards. The
// visitor receives the nesting depth (0 for top level).
func (es Elements) Walk(fn func(depth int, e Element) error) error {
	return walk(es, 0, fn)
}

func walk(es Elements, depth int, fn func(int, Element) error) error {
	for _, e := range es {
		if err := fn(depth, e); err != nil {
			return err
		}
		if f, ok := e.(*Forward); ok {
			if err := walk(f.Elements, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Media returns every media element in walk order.
func (es Elements) Media() []*Media {
	var out []*Media
	_ = es.Walk(func(_ int, e Element) error {
		if m, ok := e.(*Media); ok {
			out = append(out, m)
		}
		return nil
	})
	return out
}

// Images returns every image element in walk order.
func (es Elements) Images() []*Media {
	var out []*Media
	for _, m := range es.Media() {
		if m.Kind == TypeImage {
			out = append(out, m)
		}
	}
	return out
}

// PlainText joins all text elements (including nested ones) with single spaces.
func (es Elements) PlainText() string {
	var parts []string
	_ = es.Walk(func(_ int, e Element) error {
		if t, ok := e.(*Text); ok && strings.TrimSpace(t.Content) != "" {
			parts = append(parts, t.Content)
		}
		return nil
	})
	return strings.Join(parts, " ")
}

// NeedsFetch reports whether any media element must be downloaded.
func (es Elements) NeedsFetch() bool {
	for _, m := range es.Media() {
		if m.NeedsFetch() {
			return true
		}
	}
	return false
}

// Validate checks that the list is non-empty, every element carries its
// payload and forwards stay within MaxNestingDepth.
func (es Elements) Validate() error {
	if len(es) == 0 {
		return ErrEmptyElements
	}
	return es.Walk(func(depth int, e Element) error {
		if depth > MaxNestingDepth {
			return ErrNestingTooDeep
		}
		switch v := e.(type) {
		case *Text:
			if strings.TrimSpace(v.Content) == "" {
				return fmt.Errorf("%w: empty text", ErrInvalidElement)
			}
		case *Media:
			if !IsMediaKind(v.Kind) {
				return fmt.Errorf("%w: media kind %q", ErrInvalidElement, v.Kind)
			}
			if v.File == "" && v.URL == "" && len(v.Data) == 0 {
				return fmt.Errorf("%w: %s without url or data", ErrInvalidElement, v.Kind)
			}
		case *Mention:
			if v.UserID == "" {
				return fmt.Errorf("%w: mention without user", ErrInvalidElement)
			}
		case *Reply:
			if v.MessageID == "" {
				return fmt.Errorf("%w: reply without message id", ErrInvalidElement)
			}
		case *Forward:
			if len(v.Elements) == 0 {
				return fmt.Errorf("%w: empty forward", ErrInvalidElement)
			}
			if depth+1 > MaxNestingDepth {
				return ErrNestingTooDeep
			}
		default:
			return ErrUnknownElement
		}
		return nil
	})
}

// elementJSON is the wire envelope shared by every variant.
type elementJSON struct {
	Type      ElementType     `json:"type"`
	Content   string          `json:"content,omitempty"`
	File      string          `json:"file,omitempty"`
	URL       string          `json:"url,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	MIME      string          `json:"mime,omitempty"`
	Size      int64           `json:"size,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Elements  json.RawMessage `json:"elements,omitempty"`
}

// MarshalJSON encodes the list using the type-discriminated envelope.
func (es Elements) MarshalJSON() ([]byte, error) {
	out := make([]elementJSON, 0, len(es))
	for _, e := range es {
		var env elementJSON
		switch v := e.(type) {
		case *Text:
			env = elementJSON{Type: TypeText, Content: v.Content}
		case *Media:
			env = elementJSON{Type: v.Kind, File: v.File, URL: v.URL, Data: v.Data, MIME: v.MIME, Size: v.Size}
		case *Mention:
			env = elementJSON{Type: TypeMention, UserID: v.UserID, Name: v.Name}
		case *Reply:
			env = elementJSON{Type: TypeReply, MessageID: v.MessageID}
		case *Forward:
			nested, err := v.Elements.MarshalJSON()
			if err != nil {
				return nil, err
			}
			env = elementJSON{Type: TypeForward, From: v.From, Elements: nested}
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownElement, e)
		}
		out = append(out, env)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the envelope list, rejecting unknown types and
// forwards nested deeper than MaxNestingDepth.
func (es *Elements) UnmarshalJSON(b []byte) error {
	dec, err := decodeElements(b, 0)
	if err != nil {
		return err
	}
	*es = dec
	return nil
}

func decodeElements(b []byte, depth int) (Elements, error) {
	if depth > MaxNestingDepth {
		return nil, ErrNestingTooDeep
	}
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return Elements{}, nil
	}
	var raw []elementJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := make(Elements, 0, len(raw))
	for _, env := range raw {
		switch env.Type {
		case TypeText:
			out = append(out, &Text{Content: env.Content})
		case TypeImage, TypeVideo, TypeAudio, TypeFile:
			out = append(out, &Media{Kind: env.Type, File: env.File, URL: env.URL, Data: env.Data, MIME: env.MIME, Size: env.Size})
		case TypeMention:
			out = append(out, &Mention{UserID: env.UserID, Name: env.Name})
		case TypeReply:
			out = append(out, &Reply{MessageID: env.MessageID})
		case TypeForward:
			nested, err := decodeElements(env.Elements, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, &Forward{From: env.From, Elements: nested})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownElement, env.Type)
		}
	}
	return out, nil
}

// Value stores the list as a JSON text column.
func (es Elements) Value() (driver.Value, error) {
	if es == nil {
		es = Elements{}
	}
	b, err := es.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON text column written by Value.
func (es *Elements) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*es = Elements{}
		return nil
	case []byte:
		return es.UnmarshalJSON(v)
	case string:
		return es.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("elements: cannot scan %T", src)
}
