package asid_test

import (
	"errors"
	"testing"

	"github.com/tracedmem/ptimage/internal/asid"
)

func TestFromUserNil(t *testing.T) {
	a, err := asid.FromUser(nil)
	if err != nil {
		t.Fatalf("FromUser(nil): unexpected error: %v", err)
	}
	if a.CR3 != asid.None || a.VMCS != asid.None {
		t.Fatalf("FromUser(nil) = %v, want fully wildcarded", a)
	}
}

func TestFromUserFillsSentinels(t *testing.T) {
	a, err := asid.FromUser(&asid.User{Size: 24, CR3: 0x1000})
	if err != nil {
		t.Fatalf("FromUser: unexpected error: %v", err)
	}
	if a.CR3 != 0x1000 {
		t.Fatalf("CR3 = %#x, want 0x1000", a.CR3)
	}
	if a.VMCS != asid.None {
		t.Fatalf("VMCS = %#x, want sentinel", a.VMCS)
	}
}

func TestFromUserRejectsOversizedStruct(t *testing.T) {
	_, err := asid.FromUser(&asid.User{Size: 1 << 20})
	if !errors.Is(err, asid.ErrBadAsid) {
		t.Fatalf("FromUser: err = %v, want ErrBadAsid", err)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		a, b asid.Asid
		want bool
	}{
		{"both wildcard", asid.Asid{}, asid.Asid{}, true},
		{"concrete equal", asid.Asid{CR3: 1, VMCS: 2}, asid.Asid{CR3: 1, VMCS: 2}, true},
		{"concrete mismatch cr3", asid.Asid{CR3: 1}, asid.Asid{CR3: 2}, false},
		{"wildcard cr3 on a", asid.Asid{VMCS: 5}, asid.Asid{CR3: 9, VMCS: 5}, true},
		{"wildcard cr3 on b", asid.Asid{CR3: 9, VMCS: 5}, asid.Asid{VMCS: 5}, true},
		{"vmcs mismatch", asid.Asid{CR3: 1, VMCS: 2}, asid.Asid{CR3: 1, VMCS: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asid.Matches(tt.a, tt.b); got != tt.want {
				t.Fatalf("Matches(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
