package stream

import (
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

func TestGetStringAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"entity_ref": events.NewStringAttribute("pizza#p1"),
		"version":    events.NewNumberAttribute("3"),
		"empty":      events.NewStringAttribute(""),
		"unicode":    events.NewStringAttribute("日本語テスト"),
		"special":    events.NewStringAttribute("value#with:special/chars"),
	}

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"string", "entity_ref", "pizza#p1"},
		{"missing", "parent_ref", ""},
		{"number is not a string", "version", ""},
		{"empty", "empty", ""},
		{"unicode", "unicode", "日本語テスト"},
		{"special characters", "special", "value#with:special/chars"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStringAttr(image, tt.key); got != tt.want {
				t.Errorf("getStringAttr(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetStringAttr_NilImage(t *testing.T) {
	if got := getStringAttr(nil, "entity_ref"); got != "" {
		t.Errorf("expected empty string for nil image, got %q", got)
	}
}
