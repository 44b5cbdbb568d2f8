package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		wantErr bool
	}{
		{"info", "console", false},
		{"debug", "json", false},
		{"warn", "", false},
		{"verbose", "console", true},
		{"info", "xml", true},
	}

	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q, %q): expected error", tt.level, tt.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q, %q): %v", tt.level, tt.format, err)
			continue
		}
		logger.Debug("probe")
	}
}
