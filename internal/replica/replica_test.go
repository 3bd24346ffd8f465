package replica

import (
	"testing"
	"time"
)

func TestNewer(t *testing.T) {
	base := time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name               string
		candMod, otherMod  time.Time
		candSize, otherSize int64
		want               bool
	}{
		{"clearly newer", base.Add(5 * time.Minute), base, 10, 10, true},
		{"clearly older", base, base.Add(5 * time.Minute), 100, 10, false},
		{"within buffer larger wins", base.Add(30 * time.Second), base, 20, 10, true},
		{"within buffer smaller loses", base, base.Add(30 * time.Second), 10, 20, false},
		{"within buffer equal sizes", base, base, 10, 10, false},
		{"exactly at buffer falls back to size", base.Add(TimeBuffer), base, 5, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Newer(tt.candMod, tt.otherMod, tt.candSize, tt.otherSize)
			if got != tt.want {
				t.Errorf("Newer() = %v, want %v", got, tt.want)
			}
		})
	}
}
