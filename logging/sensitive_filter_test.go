package logging

import (
	"strings"
	"testing"
)

func TestRedactSensitiveData(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		redact bool
	}{
		{"hub token", "Authorization failed for " + testToken, true},
		{"openai key", "key sk-" + strings.Repeat("a", 32), true},
		{"bearer", "Bearer " + strings.Repeat("b", 30), true},
		{"assignment", "token=supersecretvalue", true},
		{"plain prompt", "A futuristic city", false},
		{"model id", "runwayml/stable-diffusion-v1-5", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RedactSensitiveData(tt.input)
			if tt.redact {
				if !strings.Contains(got, RedactedPlaceholder) {
					t.Errorf("RedactSensitiveData(%q) = %q, want redaction", tt.input, got)
				}
				if !ContainsSensitiveData(tt.input) {
					t.Errorf("ContainsSensitiveData(%q) = false", tt.input)
				}
			} else if got != tt.input {
				t.Errorf("RedactSensitiveData(%q) = %q, want unchanged", tt.input, got)
			}
		})
	}
}

func TestIsSensitiveField(t *testing.T) {
	for _, name := range []string{"hf_token", "HF_TOKEN", "openai_api_key", "Authorization", "db_password"} {
		if !IsSensitiveField(name) {
			t.Errorf("IsSensitiveField(%q) = false", name)
		}
	}
	for _, name := range []string{"model", "prompt", "steps"} {
		if IsSensitiveField(name) {
			t.Errorf("IsSensitiveField(%q) = true", name)
		}
	}
}
