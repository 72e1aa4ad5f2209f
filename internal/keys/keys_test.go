package keys

import "testing"

func TestEntityKeys(t *testing.T) {
	if got := EntityPK("user", "01A"); got != "user#01A" {
		t.Errorf("expected 'user#01A', got %q", got)
	}
	if got := EntityListPK("user"); got != "LIST#user" {
		t.Errorf("expected 'LIST#user', got %q", got)
	}
	if got := EntityUniquePK("username", "alice"); got != "UNIQUE#username#alice" {
		t.Errorf("expected 'UNIQUE#username#alice', got %q", got)
	}
	if got := EntityEmailPK("a@b.co"); got != "EMAIL#a@b.co" {
		t.Errorf("expected 'EMAIL#a@b.co', got %q", got)
	}
}

func TestMutualKeys(t *testing.T) {
	if got := MutualPK("01A"); got != "MUTUAL#01A" {
		t.Errorf("expected 'MUTUAL#01A', got %q", got)
	}
	if got := MutualLockPK("user", "alice", "course"); got != "MUTUAL#user#alice#course" {
		t.Errorf("expected 'MUTUAL#user#alice#course', got %q", got)
	}
}

func TestTagKeys(t *testing.T) {
	tests := []struct {
		name      string
		tagName   string
		group     string
		sortValue string
		wantPK    string
		wantSK    string
	}{
		{
			name:    "no group no sort value",
			tagName: "featured",
			wantPK:  "TAG#course#featured",
			wantSK:  "course#c1",
		},
		{
			name:    "with group",
			tagName: "featured",
			group:   "2024",
			wantPK:  "TAG#course#featured#2024",
			wantSK:  "course#c1",
		},
		{
			name:      "with sort value",
			tagName:   "featured",
			sortValue: "003",
			wantPK:    "TAG#course#featured",
			wantSK:    "003#course#c1",
		},
		{
			name:      "with group and sort value",
			tagName:   "featured",
			group:     "2024",
			sortValue: "003",
			wantPK:    "TAG#course#featured#2024",
			wantSK:    "003#course#c1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TagPK("course", tt.tagName, tt.group); got != tt.wantPK {
				t.Errorf("TagPK: expected %q, got %q", tt.wantPK, got)
			}
			if got := TagSK(tt.sortValue, "course", "c1"); got != tt.wantSK {
				t.Errorf("TagSK: expected %q, got %q", tt.wantSK, got)
			}
		})
	}
}

func TestLockKeys(t *testing.T) {
	if got := TagLockPK("course", "c1"); got != "TAG#course#c1" {
		t.Errorf("expected 'TAG#course#c1', got %q", got)
	}
	if LockSK != "#LOCK#" {
		t.Errorf("expected '#LOCK#', got %q", LockSK)
	}
	if MetadataSK != "#METADATA#" {
		t.Errorf("expected '#METADATA#', got %q", MetadataSK)
	}
}
