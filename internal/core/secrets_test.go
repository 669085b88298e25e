package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSecretsEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# credentials\nexport USERNAME=alice\nPASSWORD=\"p@ss word\"\nNODEODM_TOKEN='tok'\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSecretsEnv(path)
	if err != nil {
		t.Fatalf("LoadSecretsEnv: %v", err)
	}
	want := map[string]string{"USERNAME": "alice", "PASSWORD": "p@ss word", "NODEODM_TOKEN": "tok"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
