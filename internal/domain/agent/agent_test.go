package agent

import "testing"

func testAgent() *Agent {
	return &Agent{
		ID:     "a1",
		Name:   "worker",
		Type:   TypeCodeGen,
		Status: StatusAvailable,
		Region: "eu-west",
		Tags:   []string{"gpu", "spot"},
		Capabilities: []Capability{
			{Name: "generate", Version: "2"},
			{Name: "refactor"},
		},
	}
}

func TestHasCapabilities(t *testing.T) {
	a := testAgent()

	tests := []struct {
		name     string
		required []string
		want     bool
	}{
		{"none required", nil, true},
		{"single match", []string{"generate"}, true},
		{"all match", []string{"generate", "refactor"}, true},
		{"missing", []string{"generate", "deploy"}, false},
		{"version ignored", []string{"refactor"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.HasCapabilities(tt.required); got != tt.want {
				t.Errorf("HasCapabilities(%v) = %v, want %v", tt.required, got, tt.want)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	a := testAgent()

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches everything", Filter{}, true},
		{"type match", Filter{Type: TypeCodeGen}, true},
		{"type mismatch", Filter{Type: TypeInfra}, false},
		{"status match", Filter{Status: StatusAvailable}, true},
		{"status mismatch", Filter{Status: StatusOffline}, false},
		{"region match", Filter{Region: "eu-west"}, true},
		{"region mismatch", Filter{Region: "us-east"}, false},
		{"all tags", Filter{Tags: []string{"gpu", "spot"}}, true},
		{"missing tag", Filter{Tags: []string{"gpu", "dedicated"}}, false},
		{"combined", Filter{Type: TypeCodeGen, Status: StatusAvailable, Capabilities: []string{"generate"}}, true},
		{"combined one off", Filter{Type: TypeCodeGen, Capabilities: []string{"deploy"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(a); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
