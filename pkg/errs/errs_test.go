package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{"bare", New(KindBackend, "op.Foo", nil), "op.Foo: Backend"},
		{"wrapped", New(KindBackend, "op.Foo", fmt.Errorf("boom")), "op.Foo: Backend: boom"},
		{"named", Named(KindKeyMissing, "op.Bar", "master_key_00", nil), `op.Bar: KeyMissing "master_key_00"`},
		{"named+wrapped", Named(KindKeyMissing, "op.Bar", "master_key_00", fmt.Errorf("missing")), `op.Bar: KeyMissing "master_key_00": missing`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.err.Error(); got != c.want {
				t.Errorf("Error() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestErrorIsComparesKindOnly(t *testing.T) {
	err := Named(KindTicketNotFound, "ticket.Resolve", "0123456789abcdef", fmt.Errorf("underlying"))
	if !errors.Is(err, ErrTicketNotFound) {
		t.Fatal("expected errors.Is to match on Kind regardless of Op/Name/Err")
	}
	if errors.Is(err, ErrBackend) {
		t.Fatal("errors.Is matched an unrelated Kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := New(KindBackend, "op.Foo", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause via Unwrap")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindCancelled, 1},
		{KindUnknown, 1},
		{KindShortRead, 2},
		{KindBackend, 2},
		{KindMediaRemoved, 2},
		{KindNoSpace, 2},
		{KindKeyMissing, 3},
		{KindTicketNotFound, 3},
		{KindIntegrityMismatch, 4},
		{KindConfiguration, 5},
		{KindBadMagic, 5},
		{KindUnsupportedVersion, 5},
		{KindBadSectionTable, 5},
	}
	for _, c := range cases {
		if got := c.kind.ExitCode(); got != c.want {
			t.Errorf("%s.ExitCode() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestKindStringUnknown(t *testing.T) {
	var k Kind = 999
	if k.String() != "Unknown" {
		t.Errorf("String() on out-of-range Kind = %q, want Unknown", k.String())
	}
}
