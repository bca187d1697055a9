package tsdb

import (
	"errors"
	"testing"
	"time"

	"github.com/aiotsmart/aiot-core/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestClose_ZeroClient(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v, want nil", err)
	}
}

func TestFlush_ZeroClient(t *testing.T) {
	// Must not panic with no write API.
	c := &Client{}
	c.Flush()
}

func TestWriteTelemetry_Disconnected(t *testing.T) {
	// Must be a silent no-op: a mirror outage never fails ingest.
	c := &Client{}
	c.WriteTelemetry("TEMP-001", "GW-001", map[string]any{"temperature": 21.5}, time.Now())
	c.WritePresence("TEMP-001", true)
}

func TestExtractNumericFields(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    map[string]interface{}
	}{
		{
			name:    "mixed types keeps numerics only",
			payload: map[string]any{"temperature": 21.5, "unit": "celsius", "ok": true},
			want:    map[string]interface{}{"temperature": 21.5},
		},
		{
			name:    "integer values converted",
			payload: map[string]any{"count": 7, "total": int64(9)},
			want:    map[string]interface{}{"count": 7.0, "total": 9.0},
		},
		{
			name:    "nested objects dropped",
			payload: map[string]any{"meta": map[string]any{"v": 1.0}, "humidity": 43.0},
			want:    map[string]interface{}{"humidity": 43.0},
		},
		{
			name:    "no numerics",
			payload: map[string]any{"status": "ok"},
			want:    map[string]interface{}{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractNumericFields(tt.payload)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fields, want %d: %v", len(got), len(tt.want), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("field %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
