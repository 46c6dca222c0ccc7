package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestElements_JSONRoundTrip(t *testing.T) {
	in := Elements{
		&Text{Content: "hi"},
		&Media{Kind: TypeImage, URL: "https://example.com/a.png"},
		&Mention{UserID: "42", Name: "bob"},
		&Reply{MessageID: "m-1"},
		&Forward{From: "alice", Elements: Elements{&Media{Kind: TypeVideo, File: "v.mp4"}}},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"type":"forward"`) || !strings.Contains(string(b), `"type":"mention"`) {
		t.Fatalf("missing discriminators: %s", b)
	}

	var out Elements
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d want %d", len(out), len(in))
	}
	fw, ok := out[4].(*Forward)
	if !ok || fw.From != "alice" || len(fw.Elements) != 1 || fw.Elements[0].Type() != TypeVideo {
		t.Fatalf("forward not decoded: %#v", out[4])
	}
}

func TestElements_UnknownType(t *testing.T) {
	var es Elements
	err := json.Unmarshal([]byte(`[{"type":"sticker"}]`), &es)
	if !errors.Is(err, ErrUnknownElement) {
		t.Fatalf("expected ErrUnknownElement, got %v", err)
	}
}

func nestedForward(depth int) string {
	inner := `[{"type":"text","content":"deep"}]`
	for i := 0; i < depth; i++ {
		inner = `[{"type":"forward","elements":` + inner + `}]`
	}
	return inner
}

func TestElements_NestingBound(t *testing.T) {
	var ok Elements
	if err := json.Unmarshal([]byte(nestedForward(MaxNestingDepth)), &ok); err != nil {
		t.Fatalf("depth %d should decode: %v", MaxNestingDepth, err)
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("depth %d should validate: %v", MaxNestingDepth, err)
	}

	var deep Elements
	err := json.Unmarshal([]byte(nestedForward(MaxNestingDepth+1)), &deep)
	if !errors.Is(err, ErrNestingTooDeep) {
		t.Fatalf("expected ErrNestingTooDeep, got %v", err)
	}

	// Built in code rather than decoded: Validate must catch it too.
	var es Elements = Elements{&Text{Content: "deep"}}
	for i := 0; i <= MaxNestingDepth; i++ {
		es = Elements{&Forward{Elements: es}}
	}
	if err := es.Validate(); !errors.Is(err, ErrNestingTooDeep) {
		t.Fatalf("Validate expected ErrNestingTooDeep, got %v", err)
	}
}

func TestElements_Validate(t *testing.T) {
	cases := []struct {
		name string
		es   Elements
		want error
	}{
		{"empty", Elements{}, ErrEmptyElements},
		{"blank text", Elements{&Text{Content: "  "}}, ErrInvalidElement},
		{"media without source", Elements{&Media{Kind: TypeImage}}, ErrInvalidElement},
		{"bad media kind", Elements{&Media{Kind: TypeText, URL: "x"}}, ErrInvalidElement},
		{"mention without user", Elements{&Mention{}}, ErrInvalidElement},
		{"reply without id", Elements{&Reply{}}, ErrInvalidElement},
		{"empty forward", Elements{&Forward{}}, ErrInvalidElement},
		{"ok", Elements{&Text{Content: "x"}, &Media{Kind: TypeFile, Data: []byte{1}}}, nil},
	}
	for _, tc := range cases {
		err := tc.es.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v got %v", tc.name, tc.want, err)
		}
	}
}

func TestElements_WalkHelpers(t *testing.T) {
	es := Elements{
		&Text{Content: "a"},
		&Media{Kind: TypeImage, URL: "u1"},
		&Forward{Elements: Elements{
			&Text{Content: "b"},
			&Media{Kind: TypeImage, Data: []byte{1}},
			&Media{Kind: TypeAudio, URL: "u2"},
		}},
	}
	if got := len(es.Media()); got != 3 {
		t.Fatalf("Media()=%d", got)
	}
	if got := len(es.Images()); got != 2 {
		t.Fatalf("Images()=%d", got)
	}
	if es.PlainText() != "a b" {
		t.Fatalf("PlainText=%q", es.PlainText())
	}
	if !es.NeedsFetch() {
		t.Fatalf("expected NeedsFetch")
	}
	inline := Elements{&Media{Kind: TypeImage, Data: []byte{1}}}
	if inline.NeedsFetch() {
		t.Fatalf("inline media must not need fetch")
	}
}
