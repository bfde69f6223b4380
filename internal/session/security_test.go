package session

import "testing"

func TestValidateShell(t *testing.T) {
	tests := []struct {
		shell   string
		wantErr bool
	}{
		{"", false},
		{"/bin/bash", false},
		{"/bin/sh", false},
		{"/bin/zsh", false},
		{"su", false},
		{"su - worker", false},
		{"su -c whoami worker", false},
		{"/usr/bin/python3", true},
		{"superuser", true},
		{"su - worker; rm -rf /", true},
		{"su - worker && id", true},
		{"su - $(whoami)", true},
		{"su - `id`", true},
		{"/bin/bash -c 'evil'", true},
	}

	for _, tt := range tests {
		err := ValidateShell(tt.shell)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateShell(%q) error = %v, wantErr %v", tt.shell, err, tt.wantErr)
		}
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"t1", false},
		{"abc-123", false},
		{"d2f3a8e0-6a2b-4c1d-9e5f-0a1b2c3d4e5f", false},
		{"work.session_2", false},
		{"", true},
		{"../escape", true},
		{"a/b", true},
		{".hidden", true},
		{"-dash-first", true},
		{"id with spaces", true},
		{"x123456789012345678901234567890123456789012345678901234567890123456789", true},
	}

	for _, tt := range tests {
		err := ValidateSessionID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestClampResize(t *testing.T) {
	tests := []struct {
		cols, rows         uint16
		wantCols, wantRows uint16
	}{
		{80, 24, 80, 24},
		{500, 500, 500, 500},
		{501, 24, 500, 24},
		{80, 9999, 80, 500},
		{65535, 65535, 500, 500},
	}

	for _, tt := range tests {
		cols, rows := ClampResize(tt.cols, tt.rows)
		if cols != tt.wantCols || rows != tt.wantRows {
			t.Errorf("ClampResize(%d, %d) = (%d, %d), want (%d, %d)",
				tt.cols, tt.rows, cols, rows, tt.wantCols, tt.wantRows)
		}
	}
}
