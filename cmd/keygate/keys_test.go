package main

import (
	"strings"
	"testing"
)

func TestKeysCheck_RejectsMalformedKeyBeforeLoading(t *testing.T) {
	for _, key := range []string{"", "sk-short", "pk-" + strings.Repeat("a", 64), "sk-" + strings.Repeat("G", 64)} {
		err := (&KeysCheckCmd{Key: key}).Run(&CLI{})
		if err == nil {
			t.Fatalf("Run(%q) should fail", key)
		}
		if !strings.Contains(err.Error(), "is not a keygate key") {
			t.Errorf("Run(%q) error = %v, want format error", key, err)
		}
	}
}
