package domain

import "testing"

func TestRedactSecrets(t *testing.T) {
	in := map[string]any{
		"user":     "alice",
		"password": "hunter2",
		"API_KEY":  "abc",
		"db": map[string]any{
			"host":          "localhost",
			"db_secret_ref": "vault://x",
		},
		"hosts": []any{
			map[string]any{"name": "h1", "auth_token": "t1"},
			"plain",
		},
	}

	out := RedactSecrets(in)

	if out["user"] != "alice" {
		t.Errorf("user = %v", out["user"])
	}
	if out["password"] != "[REDACTED]" || out["API_KEY"] != "[REDACTED]" {
		t.Errorf("top-level secrets survived: %v", out)
	}
	db := out["db"].(map[string]any)
	if db["host"] != "localhost" || db["db_secret_ref"] != "[REDACTED]" {
		t.Errorf("nested map = %v", db)
	}
	hosts := out["hosts"].([]any)
	if hosts[0].(map[string]any)["auth_token"] != "[REDACTED]" || hosts[1] != "plain" {
		t.Errorf("slice = %v", hosts)
	}

	// Исходная карта не мутируется.
	if in["password"] != "hunter2" {
		t.Error("RedactSecrets mutated its input")
	}
	if in["db"].(map[string]any)["db_secret_ref"] != "vault://x" {
		t.Error("RedactSecrets mutated nested input")
	}
}

func TestRedactSecretsNil(t *testing.T) {
	if RedactSecrets(nil) != nil {
		t.Error("nil input must give nil output")
	}
}
