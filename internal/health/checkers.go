package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/toolhub/internal/resilience"
)

// ToolsRegistered fails while names reports no tools. Pass the tool
// server's ToolNames method.
func ToolsRegistered(names func() []string) Checker {
	return Checker{
		Name: "tools",
		Check: func(context.Context) error {
			if len(names()) == 0 {
				return errors.New("no tools registered")
			}
			return nil
		},
	}
}

// BreakersClosed fails while any provider circuit breaker reported by
// states is open. Half-open breakers count as healthy since they are
// already probing for recovery.
func BreakersClosed(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			var open []string
			for name, st := range states() {
				if st == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) == 0 {
				return nil
			}
			slices.Sort(open)
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		},
	}
}

// Pinger is implemented by stores that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping fails when p cannot be reached.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
