package engine

import "testing"

func TestParseExpression_Eval(t *testing.T) {
	vars := map[string]float64{
		"avg_api_error_rate":   0.25,
		"max_failed_logins":    12,
		"sum_bytes_exfiltrate": 1024,
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"greater true", "avg_api_error_rate > 0.1", true},
		{"greater false", "avg_api_error_rate > 0.5", false},
		{"greater equal boundary", "max_failed_logins >= 12", true},
		{"less true", "avg_api_error_rate < 0.5", true},
		{"and both", "avg_api_error_rate > 0.1 && max_failed_logins >= 10", true},
		{"and one fails", "avg_api_error_rate > 0.5 && max_failed_logins >= 10", false},
		{"or rescues", "avg_api_error_rate > 0.5 || max_failed_logins >= 10", true},
		{"or binds loosest", "avg_api_error_rate > 0.5 && max_failed_logins > 100 || sum_bytes_exfiltrate >= 1024", true},
		{"or none", "avg_api_error_rate > 0.5 || max_failed_logins > 100", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseExpression(tt.expr)
			if err != nil {
				t.Fatalf("ParseExpression(%q) error: %v", tt.expr, err)
			}
			got, err := expr.Eval(vars)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseExpression_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"missing operand", "avg_api_error_rate >"},
		{"missing operator", "avg_api_error_rate 0.5"},
		{"single ampersand", "a > 1 & b > 2"},
		{"trailing junk", "a > 1 b"},
		{"unsupported operator", "a == 1"},
		{"number first", "0.5 > avg_api_error_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseExpression(tt.expr); err == nil {
				t.Errorf("ParseExpression(%q) succeeded, want error", tt.expr)
			}
		})
	}
}

func TestParseExpression_UnknownVariable(t *testing.T) {
	expr, err := ParseExpression("avg_missing > 1")
	if err != nil {
		t.Fatalf("ParseExpression() error: %v", err)
	}
	if _, err := expr.Eval(map[string]float64{}); err == nil {
		t.Error("Eval() with missing variable succeeded, want error")
	}
}
