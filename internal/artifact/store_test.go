package artifact

import (
	"errors"
	"testing"
)

func TestWriteReadOverwrite(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Write(PRD, "v1"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(PRD, "v2"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(PRD)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "v2" {
		t.Errorf("Read = %q, want v2", got)
	}
}

func TestReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Read(Architecture); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want ErrNotFound", err)
	}
	if got := s.ReadOr(Architecture, "(none)"); got != "(none)" {
		t.Errorf("ReadOr = %q, want (none)", got)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"prd.md", false},
		{"security_auditor", false},
		{"", true},
		{"../state.json", true},
		{"a/b.md", true},
		{`a\b.md`, true},
		{".hidden", true},
	}
	for _, tt := range tests {
		err := ValidName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestContextRoundTripAndList(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.SaveContext("critic", "## Diff\n..."); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	got, err := s.Context("critic")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if got != "## Diff\n..." {
		t.Errorf("Context = %q", got)
	}
	if _, err := s.Context("fixer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Context(fixer) error = %v, want ErrNotFound", err)
	}

	for _, n := range []string{ReviewFindings, PRD} {
		if err := s.Write(n, "x"); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != PRD || names[1] != ReviewFindings {
		t.Errorf("List = %v, want [prd.md review_findings.md]", names)
	}
}
