// Package clock provides built-in tools for reading the current time and
// converting timestamps between zones.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/toolhub/internal/mcp/server"
	"github.com/MrWong99/toolhub/pkg/protocol"
)

// Reading is the JSON-encoded output of both clock tools.
type Reading struct {
	Time     string `json:"time"` // RFC 3339
	Unix     int64  `json:"unix"`
	Zone     string `json:"zone"`
	Weekday  string `json:"weekday"`
	Location string `json:"location"`
}

func reading(t time.Time) Reading {
	zone, _ := t.Zone()
	return Reading{
		Time:     t.Format(time.RFC3339),
		Unix:     t.Unix(),
		Zone:     zone,
		Weekday:  t.Weekday().String(),
		Location: t.Location().String(),
	}
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("clock: unknown timezone %q", name)
	}
	return loc, nil
}

// Tools returns the clock tools. now supplies the current time; nil means
// [time.Now].
func Tools(now func() time.Time) []server.Tool {
	if now == nil {
		now = time.Now
	}
	return []server.Tool{
		{
			Name:        "now",
			Description: "Return the current time in the given IANA timezone (UTC when omitted).",
			Params: protocol.InputSchema{
				"timezone": {Type: protocol.TypeString, Description: "IANA zone name such as Europe/Berlin."},
			},
			Handler: func(_ context.Context, args protocol.Arguments) (any, error) {
				loc, err := location(args.String("timezone"))
				if err != nil {
					return nil, err
				}
				return reading(now().In(loc)), nil
			},
		},
		{
			Name:        "convert_time",
			Description: "Convert an RFC 3339 timestamp into another IANA timezone.",
			Params: protocol.InputSchema{
				"time":     {Type: protocol.TypeString, Required: true, Description: "Timestamp in RFC 3339 format."},
				"timezone": {Type: protocol.TypeString, Required: true, Description: "Target IANA zone name."},
			},
			Handler: func(_ context.Context, args protocol.Arguments) (any, error) {
				t, err := time.Parse(time.RFC3339, args.String("time"))
				if err != nil {
					return nil, fmt.Errorf("clock: invalid time %q: expected RFC 3339", args.String("time"))
				}
				loc, err := location(args.String("timezone"))
				if err != nil {
					return nil, err
				}
				return reading(t.In(loc)), nil
			},
		},
	}
}
