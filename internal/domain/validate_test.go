package domain

import "testing"

func TestValidateName_AcceptsAndRejects(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"main", false},
		{"feature-123", false},
		{"agent.session_1", false},
		{"", true},
		{"../escape", true},
		{"has/slash", true},
		{"has\\backslash", true},
		{"-leading-dash", true},
	}
	for _, c := range cases {
		err := ValidateName(NameKindLane, c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", c.name, err, c.wantErr)
		}
	}
}

func TestValidatePath_RejectsTraversalAndAbsolute(t *testing.T) {
	cases := []struct {
		path    string
		wantErr bool
	}{
		{"a/b/c.txt", false},
		{"", true},
		{"/etc/passwd", true},
		{"a/../../etc/passwd", true},
		{"a/b\x00c", true},
	}
	for _, c := range cases {
		err := ValidatePath(c.path)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", c.path, err, c.wantErr)
		}
	}
}
