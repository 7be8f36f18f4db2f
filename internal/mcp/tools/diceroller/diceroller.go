// Package diceroller provides built-in tools for random numbers: dice
// expressions and picks from small named tables.
//
// Two tools are exported via [Tools]:
//   - "roll" evaluates a dice expression such as "2d6+3".
//   - "roll_table" picks a random entry from a named table.
//
// All handlers are safe for concurrent use. Randomness uses [math/rand/v2]
// with a per-process automatically-seeded source.
package diceroller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

const (
	// MaxDice bounds the number of dice in one expression.
	MaxDice = 100

	// MaxSides bounds the number of sides per die.
	MaxSides = 1000
)

// RollResult is the JSON-encoded output of the "roll" tool.
type RollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier"`
	Total      int    `json:"total"`
}

// TableResult is the JSON-encoded output of the "roll_table" tool.
type TableResult struct {
	Table  string `json:"table"`
	Roll   int    `json:"roll"` // 1-based index into the table
	Result string `json:"result"`
}

// parseExpression parses a dice expression of the form NdS, NdS+M, or NdS-M.
// N is the number of dice (defaults to 1 when omitted), S is the number of
// sides and M is an optional integer modifier.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	before, after, ok := strings.Cut(expr, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("diceroller: invalid expression %q: missing 'd' separator", expr)
	}

	count = 1
	if before != "" {
		if count, err = strconv.Atoi(before); err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid dice count %q in expression %q", before, expr)
		}
	}
	if count < 1 || count > MaxDice {
		return 0, 0, 0, fmt.Errorf("diceroller: dice count must be in [1, %d], got %d in expression %q", MaxDice, count, expr)
	}

	sidesStr, modStr, sign, hasMod := after, "", 1, false
	if i := strings.IndexAny(after, "+-"); i != -1 {
		sidesStr, modStr, hasMod = after[:i], after[i+1:], true
		if after[i] == '-' {
			sign = -1
		}
	}

	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", sidesStr, expr)
	}
	if sides < 1 || sides > MaxSides {
		return 0, 0, 0, fmt.Errorf("diceroller: sides must be in [1, %d], got %d in expression %q", MaxSides, sides, expr)
	}

	if hasMod {
		mod, err := strconv.Atoi(modStr)
		if err != nil || mod < 0 {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", modStr, expr)
		}
		modifier = sign * mod
	}
	return count, sides, modifier, nil
}

func roll(_ context.Context, args protocol.Arguments) (any, error) {
	expr := args.String("expression")
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("diceroller: expression must not be empty")
	}
	count, sides, modifier, err := parseExpression(expr)
	if err != nil {
		return nil, err
	}

	res := RollResult{Expression: expr, Rolls: make([]int, count), Modifier: modifier, Total: modifier}
	for i := range count {
		r := rand.IntN(sides) + 1
		res.Rolls[i] = r
		res.Total += r
	}
	return res, nil
}

func rollTable(_ context.Context, args protocol.Arguments) (any, error) {
	name := args.String("table_name")
	entries, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("diceroller: unknown table %q; available tables: %s", name, strings.Join(TableNames(), ", "))
	}
	n := rand.IntN(len(entries)) + 1
	return TableResult{Table: name, Roll: n, Result: entries[n-1]}, nil
}

var tables = map[string][]string{
	"coin":      {"heads", "tails"},
	"direction": {"north", "north-east", "east", "south-east", "south", "south-west", "west", "north-west"},
	"suit":      {"clubs", "diamonds", "hearts", "spades"},
	"weekday":   {"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"},
	"answer": {
		"yes",
		"no",
		"maybe",
		"ask again later",
		"definitely",
		"unlikely",
	},
}

// TableNames returns the names accepted by "roll_table" in sorted order.
func TableNames() []string {
	names := make([]string, 0, len(tables))
	for k := range tables {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Tools returns the dice tools ready for registration with a
// [server.Server].
func Tools() []server.Tool {
	return []server.Tool{
		{
			Name:        "roll",
			Description: "Evaluate a dice expression and return each individual die result and the total. Supports notation such as 2d6+3, 1d20 or 4d8-1.",
			Params: protocol.InputSchema{
				"expression": {Type: protocol.TypeString, Required: true, Description: "Dice expression to evaluate, e.g. 2d6+3."},
			},
			Handler: roll,
		},
		{
			Name:        "roll_table",
			Description: "Pick a random entry from a named table (" + strings.Join(TableNames(), ", ") + ").",
			Params: protocol.InputSchema{
				"table_name": {Type: protocol.TypeString, Required: true, Description: "Name of the table to roll on."},
			},
			Handler: rollTable,
		},
	}
}
