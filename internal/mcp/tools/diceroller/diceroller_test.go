package diceroller

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/toolhub/pkg/protocol"
)

// ─────────────────────────────────────────────────────────────────────────────
// parseExpression tests
// ─────────────────────────────────────────────────────────────────────────────

func TestParseExpression_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr         string
		wantCount    int
		wantSides    int
		wantModifier int
	}{
		{"1d6", 1, 6, 0},
		{"2d6+3", 2, 6, 3},
		{"4d8-1", 4, 8, -1},
		{"d20", 1, 20, 0}, // implicit count of 1
		{"D6", 1, 6, 0},   // case-insensitive
		{" 3d6+0 ", 3, 6, 0},
		{"1d100-50", 1, 100, -50},
		{"100d1000", MaxDice, MaxSides, 0},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			count, sides, modifier, err := parseExpression(tt.expr)
			if err != nil {
				t.Fatalf("parseExpression(%q) unexpected error: %v", tt.expr, err)
			}
			if count != tt.wantCount || sides != tt.wantSides || modifier != tt.wantModifier {
				t.Errorf("parseExpression(%q) = (%d, %d, %d), want (%d, %d, %d)",
					tt.expr, count, sides, modifier, tt.wantCount, tt.wantSides, tt.wantModifier)
			}
		})
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"6",
		"0d6",
		"2d0",
		"xd6",
		"2dx",
		"2d6+y",
		"2d6-z",
		"2d6+",
		"2d6+-3",
		"101d6",
		"1d1001",
		"abc",
	}

	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, _, _, err := parseExpression(expr)
			if err == nil {
				t.Fatalf("parseExpression(%q) expected error, got nil", expr)
			}
			if !strings.HasPrefix(err.Error(), "diceroller:") {
				t.Errorf("error %q should be prefixed with 'diceroller:'", err.Error())
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// roll tool tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRoll_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr      string
		wantCount int
		minTotal  int
		maxTotal  int
	}{
		{"1d1", 1, 1, 1},
		{"2d6+3", 2, 5, 15},
		{"4d8-1", 4, 3, 31},
		{"10d10+5", 10, 15, 105},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := roll(context.Background(), protocol.Arguments{"expression": tt.expr})
			if err != nil {
				t.Fatalf("roll(%q) unexpected error: %v", tt.expr, err)
			}
			res := out.(RollResult)
			if len(res.Rolls) != tt.wantCount {
				t.Errorf("len(Rolls) = %d, want %d", len(res.Rolls), tt.wantCount)
			}
			if res.Total < tt.minTotal || res.Total > tt.maxTotal {
				t.Errorf("Total = %d, want in [%d, %d]", res.Total, tt.minTotal, tt.maxTotal)
			}
			sum := res.Modifier
			for _, r := range res.Rolls {
				if r < 1 {
					t.Errorf("individual roll %d < 1", r)
				}
				sum += r
			}
			if res.Total != sum {
				t.Errorf("Total %d != sum of rolls plus modifier %d", res.Total, sum)
			}
		})
	}
}

func TestRoll_Invalid(t *testing.T) {
	t.Parallel()
	cases := map[string]protocol.Arguments{
		"empty expression":   {"expression": "  "},
		"missing expression": {},
		"invalid expression": {"expression": "abc"},
		"zero count":         {"expression": "0d6"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := roll(context.Background(), args); err == nil {
				t.Errorf("roll(%v) expected error, got nil", args)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// roll_table tool tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRollTable_Valid(t *testing.T) {
	t.Parallel()
	for _, name := range TableNames() {
		t.Run(name, func(t *testing.T) {
			out, err := rollTable(context.Background(), protocol.Arguments{"table_name": name})
			if err != nil {
				t.Fatalf("rollTable(%q) unexpected error: %v", name, err)
			}
			res := out.(TableResult)
			entries := tables[name]
			if res.Table != name {
				t.Errorf("Table = %q, want %q", res.Table, name)
			}
			if res.Roll < 1 || res.Roll > len(entries) {
				t.Fatalf("Roll = %d, want in [1, %d]", res.Roll, len(entries))
			}
			if res.Result != entries[res.Roll-1] {
				t.Errorf("Result %q does not match table entry for roll %d", res.Result, res.Roll)
			}
		})
	}
}

func TestRollTable_Unknown(t *testing.T) {
	t.Parallel()
	_, err := rollTable(context.Background(), protocol.Arguments{"table_name": "nope"})
	if err == nil {
		t.Fatal("expected error for unknown table")
	}
	if !strings.Contains(err.Error(), "coin") {
		t.Errorf("error %q should list the available tables", err)
	}
}

func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 2 {
		t.Fatalf("Tools() returned %d tools, want 2", len(ts))
	}
	for i, want := range []string{"roll", "roll_table"} {
		if ts[i].Name != want {
			t.Errorf("tool %d = %q, want %q", i, ts[i].Name, want)
		}
		if ts[i].Handler == nil {
			t.Errorf("tool %q has nil Handler", ts[i].Name)
		}
		if len(ts[i].Params.Required()) != 1 {
			t.Errorf("tool %q required params = %v", ts[i].Name, ts[i].Params.Required())
		}
	}
}
