package clock

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/toolhub/pkg/protocol"
)

var fixed = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func handler(t *testing.T, name string) func(context.Context, protocol.Arguments) (any, error) {
	t.Helper()
	for _, tool := range Tools(func() time.Time { return fixed }) {
		if tool.Name == name {
			return tool.Handler
		}
	}
	t.Fatalf("tool %q not found", name)
	return nil
}

func TestNow(t *testing.T) {
	t.Parallel()
	now := handler(t, "now")

	out, err := now(context.Background(), protocol.Arguments{})
	if err != nil {
		t.Fatal(err)
	}
	r := out.(Reading)
	if r.Time != "2026-03-14T15:09:26Z" || r.Unix != fixed.Unix() || r.Location != "UTC" || r.Weekday != "Saturday" {
		t.Errorf("reading = %+v", r)
	}

	out, err = now(context.Background(), protocol.Arguments{"timezone": "Asia/Tokyo"})
	if err != nil {
		t.Fatal(err)
	}
	if r := out.(Reading); r.Time != "2026-03-15T00:09:26+09:00" || r.Unix != fixed.Unix() {
		t.Errorf("tokyo reading = %+v", r)
	}

	if _, err := now(context.Background(), protocol.Arguments{"timezone": "Mars/Olympus"}); err == nil {
		t.Error("expected error for unknown timezone")
	}
}

func TestConvertTime(t *testing.T) {
	t.Parallel()
	convert := handler(t, "convert_time")

	tests := []struct {
		name    string
		args    protocol.Arguments
		want    string
		wantErr bool
	}{
		{"to utc", protocol.Arguments{"time": "2026-01-01T09:00:00+09:00", "timezone": "UTC"}, "2026-01-01T00:00:00Z", false},
		{"to tokyo", protocol.Arguments{"time": "2026-01-01T00:00:00Z", "timezone": "Asia/Tokyo"}, "2026-01-01T09:00:00+09:00", false},
		{"bad time", protocol.Arguments{"time": "yesterday", "timezone": "UTC"}, "", true},
		{"bad zone", protocol.Arguments{"time": "2026-01-01T00:00:00Z", "timezone": "Nowhere/Land"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := convert(context.Background(), tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", out)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := out.(Reading).Time; got != tt.want {
				t.Errorf("time = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTools_DefaultClock(t *testing.T) {
	t.Parallel()
	ts := Tools(nil)
	if len(ts) != 2 || ts[0].Name != "now" || ts[1].Name != "convert_time" {
		t.Fatalf("tools = %+v", ts)
	}
	out, err := ts[0].Handler(context.Background(), protocol.Arguments{})
	if err != nil {
		t.Fatal(err)
	}
	if r := out.(Reading); time.Since(time.Unix(r.Unix, 0)) > time.Minute {
		t.Errorf("reading %+v is not close to the current time", r)
	}
}
