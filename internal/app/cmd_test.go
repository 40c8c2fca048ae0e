package app

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCommand_DefaultsToServe(t *testing.T) {
	cmd := ParseCommand([]string{})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Serve(t *testing.T) {
	cmd := ParseCommand([]string{"serve"})
	if cmd != CommandServe {
		t.Errorf("ParseCommand([serve]) = %q, want %q", cmd, CommandServe)
	}
}

func TestParseCommand_Migrate(t *testing.T) {
	cmd := ParseCommand([]string{"migrate"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestParseCommand_Healthcheck(t *testing.T) {
	cmd := ParseCommand([]string{"healthcheck"})
	if cmd != CommandHealthcheck {
		t.Errorf("ParseCommand([healthcheck]) = %q, want %q", cmd, CommandHealthcheck)
	}
}

func TestParseCommand_Help(t *testing.T) {
	for _, arg := range []string{"help", "-h", "--help"} {
		if cmd := ParseCommand([]string{arg}); cmd != CommandHelp {
			t.Errorf("ParseCommand([%s]) = %q, want %q", arg, cmd, CommandHelp)
		}
	}
}

func TestWriteUsage_ListsCommands(t *testing.T) {
	var buf bytes.Buffer
	WriteUsage(&buf)

	out := buf.String()
	for _, want := range []string{"usage: breathwork", "serve", "migrate", "healthcheck", "help"} {
		if !strings.Contains(out, want) {
			t.Errorf("usage output does not contain %q:\n%s", want, out)
		}
	}
}

func TestRun_Help_PrintsUsageWithoutInit(t *testing.T) {
	// 設定が不正でもhelpは初期化を行わない
	t.Setenv("CALIBRATION_CYCLES", "0")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"--help"}); err != nil {
		t.Fatalf("Run(--help) returned error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "usage: breathwork") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestParseCommand_UnknownDefaultsToServe(t *testing.T) {
	for _, arg := range []string{"unknown", "worker"} {
		if cmd := ParseCommand([]string{arg}); cmd != CommandServe {
			t.Errorf("ParseCommand([%s]) = %q, want %q", arg, cmd, CommandServe)
		}
	}
}

func TestParseCommand_IgnoresExtraArgs(t *testing.T) {
	cmd := ParseCommand([]string{"migrate", "--flag", "value"})
	if cmd != CommandMigrate {
		t.Errorf("ParseCommand([migrate --flag value]) = %q, want %q", cmd, CommandMigrate)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  Command
		want string
	}{
		{CommandServe, "serve"},
		{CommandMigrate, "migrate"},
		{CommandHealthcheck, "healthcheck"},
		{CommandHelp, "help"},
	}

	for _, tt := range tests {
		if got := string(tt.cmd); got != tt.want {
			t.Errorf("Command(%q) string = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
