// Package tools collects the built-in tools toolhub serves from its own
// Tool Server. Each sub-package exports a constructor returning
// [server.Tool] values; [Builtin] gathers them and [Register] installs them.
package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/internal/mcp/tools/clock"
	"github.com/MrWong99/toolhub/internal/mcp/tools/diceroller"
)

// Builtin returns every built-in tool. now feeds the clock tools; nil means
// [time.Now].
func Builtin(now func() time.Time) []server.Tool {
	var all []server.Tool
	all = append(all, diceroller.Tools()...)
	all = append(all, clock.Tools(now)...)
	return all
}

// Register adds ts to srv. Every tool is attempted; failures are joined.
func Register(srv *server.Server, ts []server.Tool) error {
	var errs []error
	for _, t := range ts {
		if err := srv.AddTool(t); err != nil {
			errs = append(errs, fmt.Errorf("tools: register %q: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}
