package user

import (
	"errors"
	"testing"
)

func TestBuiltinNames(t *testing.T) {
	want := []string{"fault", "hello", "power_3", "power_5", "power_7", "sleep"}
	got := BuiltinNames()
	if len(got) != len(want) {
		t.Fatalf("BuiltinNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BuiltinNames()[%d] = %q, want %q", i, got[i], want[i])
		}
		if _, ok := Builtin(want[i]); !ok {
			t.Errorf("Builtin(%q) not found", want[i])
		}
	}
	if _, ok := Builtin("missing"); ok {
		t.Error("Builtin(missing) found")
	}
}

func TestCompileScript(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"expression", "1 + 2", false},
		{"calls", "write('x'); yield(); get_time(); exit(0)", false},
		{"syntax error", "function (", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog, err := CompileScript(tt.name, tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompileScript err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && prog == nil {
				t.Error("nil program")
			}
		})
	}
}

func TestScriptError(t *testing.T) {
	inner := errors.New("boom")
	err := &ScriptError{Name: "app", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("ScriptError does not unwrap")
	}
	if err.Error() != "script app: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
