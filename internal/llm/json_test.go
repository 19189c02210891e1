package llm

import "testing"

func TestParseArguments(t *testing.T) {
	type args struct {
		Query string `json:"query"`
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid", `{"query":"hail roof"}`, "hail roof", false},
		{"empty", ``, "", false},
		{"truncated", `{"query":"hail roof"`, "hail roof", false},
		{"single quotes", `{'query': 'windshield'}`, "windshield", false},
		{"wrong type", `{"query": 12}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got args
			err := ParseArguments(tt.input, &got)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.Query != tt.want {
				t.Errorf("Expected query %q, got %q", tt.want, got.Query)
			}
		})
	}
}
