package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstAttachment(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  AttachmentRef
		ok    bool
	}{
		{"nil", nil, AttachmentRef{}, false},
		{"empty list", []any{}, AttachmentRef{}, false},
		{"not a list", "tok", AttachmentRef{}, false},
		{"file_token", []any{map[string]any{"file_token": "f1", "name": "a.pdf"}}, AttachmentRef{Token: "f1", Name: "a.pdf"}, true},
		{"token fallback", []any{map[string]any{"token": "t1"}}, AttachmentRef{Token: "t1"}, true},
		{"file_token preferred", []any{map[string]any{"file_token": "f1", "token": "t1"}}, AttachmentRef{Token: "f1"}, true},
		{"bare string", []any{"s1"}, AttachmentRef{Token: "s1"}, true},
		{"blank string", []any{"  "}, AttachmentRef{}, false},
		{"map without token", []any{map[string]any{"name": "a.pdf"}}, AttachmentRef{}, false},
		{"first element only", []any{map[string]any{}, map[string]any{"file_token": "f2"}}, AttachmentRef{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstAttachment(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want.Token, got.Token)
				assert.Equal(t, tt.want.Name, got.Name)
			}
		})
	}
}

func TestIsBlankText(t *testing.T) {
	assert.True(t, IsBlankText(nil))
	assert.True(t, IsBlankText(""))
	assert.True(t, IsBlankText(" \n\t"))
	assert.True(t, IsBlankText([]any{}))
	assert.True(t, IsBlankText([]any{map[string]any{"type": "text", "text": " "}}))

	assert.False(t, IsBlankText("done"))
	assert.False(t, IsBlankText([]any{map[string]any{"type": "text", "text": "# Title"}}))
	assert.False(t, IsBlankText([]any{
		map[string]any{"type": "text", "text": "\n"},
		map[string]any{"type": "text", "text": "# Existing"},
	}))
	assert.True(t, IsBlankText([]any{
		map[string]any{"type": "text", "text": "\n"},
		map[string]any{"type": "text", "text": " "},
	}))
	assert.False(t, IsBlankText(float64(0)))
	assert.False(t, IsBlankText(map[string]any{"text": ""}))
}

func TestIsNonEmptyList(t *testing.T) {
	assert.False(t, IsNonEmptyList(nil))
	assert.False(t, IsNonEmptyList([]any{}))
	assert.False(t, IsNonEmptyList("x"))
	assert.True(t, IsNonEmptyList([]any{nil}))
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"string", "Report Q1", "Report Q1"},
		{"trimmed", "  Report  ", "Report"},
		{"number", float64(42), "42"},
		{"fraction", 1.5, "1.5"},
		{"rich text", []any{map[string]any{"type": "text", "text": "Alpha"}}, "Alpha"},
		{"option name", []any{map[string]any{"name": "Beta"}}, "Beta"},
		{"empty list", []any{}, "rec1"},
		{"blank", " ", "rec1"},
		{"missing", nil, "rec1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := map[string]any{}
			if tt.value != nil {
				fields["Name"] = tt.value
			}
			assert.Equal(t, tt.want, DisplayName(fields, "Name", "rec1"))
		})
	}
}

func TestRecordField(t *testing.T) {
	var nilRec *Record
	assert.Nil(t, nilRec.Field("x"))
	assert.Nil(t, (&Record{}).Field("x"))
	assert.Equal(t, "v", (&Record{Fields: map[string]any{"x": "v"}}).Field("x"))
}
