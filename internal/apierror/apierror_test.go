package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrite(t *testing.T) {
	w := httptest.NewRecorder()
	Write(w, http.StatusUnauthorized, MissingAPIKey())

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var body Response
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Type != TypeInvalidRequest || body.Error.Code != CodeMissingAPIKey {
		t.Fatalf("error = %+v, want %s/%s", body.Error, TypeInvalidRequest, CodeMissingAPIKey)
	}
	if body.Error.Message == "" {
		t.Fatal("message should not be empty")
	}
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      Error
		wantType string
		wantCode string
	}{
		{name: "invalid key", err: InvalidAPIKey(), wantType: TypeInvalidRequest, wantCode: CodeInvalidAPIKey},
		{name: "auth error", err: AuthError(), wantType: TypeInternal, wantCode: CodeAuthError},
		{name: "internal", err: Internal(), wantType: TypeInternal, wantCode: CodeInternal},
		{name: "not found", err: NotFound(), wantType: TypeInvalidRequest, wantCode: CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.wantType || tt.err.Code != tt.wantCode {
				t.Fatalf("got %s/%s, want %s/%s", tt.err.Type, tt.err.Code, tt.wantType, tt.wantCode)
			}
			if tt.err.Error() != tt.err.Message {
				t.Fatalf("Error() = %q, want message %q", tt.err.Error(), tt.err.Message)
			}
		})
	}
}
