package validation

import "testing"

func TestValidateSemver(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.0.0", false},
		{"1.0.0-beta.1", false},
		{"1.0.0+build.1", false},
		{"0.0.0", false},
		{"1.0", false},
		{"", true},
		{"not-a-version", true},
		{"-1.0.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			err := ValidateSemver(tt.version)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSemver(%q) error = %v, wantErr %v", tt.version, err, tt.wantErr)
			}
		})
	}
}

func TestCompareSemver(t *testing.T) {
	tests := []struct {
		name    string
		v1, v2  string
		want    int
		wantErr bool
	}{
		{"equal", "1.0.0", "1.0.0", 0, false},
		{"older", "1.0.0", "1.0.1", -1, false},
		{"newer minor", "1.1.0", "1.0.9", 1, false},
		{"pre-release before release", "1.0.0-alpha", "1.0.0", -1, false},
		{"invalid v1", "bad", "1.0.0", 0, true},
		{"invalid v2", "1.0.0", "bad", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareSemver(tt.v1, tt.v2)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CompareSemver(%q, %q) error = %v, wantErr %v", tt.v1, tt.v2, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CompareSemver(%q, %q) = %d, want %d", tt.v1, tt.v2, got, tt.want)
			}
		})
	}
}

func TestRequireNewerVersion(t *testing.T) {
	tests := []struct {
		next, published string
		wantErr         bool
	}{
		{"1.1.0", "1.0.0", false},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "1.0.0", true},
		{"0.9.0", "1.0.0", true},
		{"1.0.0", "1.0.0-rc.1", false},
		{"garbage", "1.0.0", true},
		{"1.0.0", "legacy", false},
	}
	for _, tt := range tests {
		t.Run(tt.next+"_over_"+tt.published, func(t *testing.T) {
			err := RequireNewerVersion(tt.next, tt.published)
			if (err != nil) != tt.wantErr {
				t.Errorf("RequireNewerVersion(%q, %q) error = %v, wantErr %v", tt.next, tt.published, err, tt.wantErr)
			}
		})
	}
}
