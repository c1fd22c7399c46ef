package engine_test

import (
	"sort"
	"testing"

	"github.com/snapvault/backend/internal/engine"
)

func TestOperationIDRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		device int64
		seq    int64
	}{
		{0, 0},
		{1, 1},
		{3, 17},
		{255, 1 << 40},
		{1<<31 - 1, 1<<47 - 1},
	}

	for _, tc := range cases {
		opID := engine.OperationID(tc.device, tc.seq)

		device, seq, err := engine.ParseOperationID(opID)
		if err != nil {
			t.Fatalf("ParseOperationID(%q) failed: %v", opID, err)
		}

		if device != tc.device || seq != tc.seq {
			t.Errorf("round trip (%d, %d) -> %q -> (%d, %d)", tc.device, tc.seq, opID, device, seq)
		}
	}
}

func TestOperationIDsSortInSubmissionOrderPerDevice(t *testing.T) {
	t.Parallel()

	ids := []string{
		engine.OperationID(7, 300),
		engine.OperationID(7, 2),
		engine.OperationID(7, 41),
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	want := []string{
		engine.OperationID(7, 2),
		engine.OperationID(7, 41),
		engine.OperationID(7, 300),
	}

	for i := range want {
		if sorted[i] != want[i] {
			t.Fatalf("lexical order diverges from sequence order: %v", sorted)
		}
	}
}

func TestParseOperationIDRejectsMalformedIDs(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "nodash", "xx-yy", "00000001-zzzz"} {
		if _, _, err := engine.ParseOperationID(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
