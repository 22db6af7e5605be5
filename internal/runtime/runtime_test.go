package runtime

import (
	"strings"
	"testing"
)

func TestGetSupportedLanguages(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		language  string
		extension string
		firstArg  string
	}{
		{"python", ".py", "python3"},
		{"node", ".js", "node"},
		{"bash", ".sh", "/bin/sh"},
	}

	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			rt, err := r.Get(tt.language)
			if err != nil {
				t.Fatalf("Get(%s): %v", tt.language, err)
			}
			if rt.Extension != tt.extension {
				t.Errorf("Extension = %q, want %q", rt.Extension, tt.extension)
			}
			if rt.Image == "" {
				t.Error("no image configured")
			}

			cmd := rt.Command("/workspace/code" + rt.Extension)
			if cmd[0] != tt.firstArg {
				t.Errorf("Command[0] = %q, want %q", cmd[0], tt.firstArg)
			}
			if cmd[len(cmd)-1] != "/workspace/code"+rt.Extension {
				t.Errorf("Command does not end with the code path: %v", cmd)
			}
		})
	}
}

func TestGetUnknownLanguage(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("cobol")
	if err == nil {
		t.Fatal("Get(cobol) succeeded")
	}
	if !strings.Contains(err.Error(), "python") {
		t.Errorf("error does not list supported languages: %v", err)
	}
}

func TestLanguagesSorted(t *testing.T) {
	langs := NewRegistry().Languages()
	if len(langs) != 3 {
		t.Fatalf("got %d languages, want 3", len(langs))
	}
	for i := 1; i < len(langs); i++ {
		if langs[i] < langs[i-1] {
			t.Errorf("languages not sorted: %v", langs)
		}
	}
}
