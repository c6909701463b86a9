package breach

import "testing"

func TestDedupKey_Normalization(t *testing.T) {
	base := DedupKey("auth-service", "rule-1", []string{"user:alice", "host:web-1"})

	tests := []struct {
		name      string
		source    string
		ruleID    string
		resources []string
		same      bool
	}{
		{"identical", "auth-service", "rule-1", []string{"user:alice", "host:web-1"}, true},
		{"reordered resources", "auth-service", "rule-1", []string{"host:web-1", "user:alice"}, true},
		{"case and whitespace", " Auth-Service ", "rule-1", []string{"USER:ALICE", " host:web-1"}, true},
		{"duplicate resources", "auth-service", "rule-1", []string{"user:alice", "user:alice", "host:web-1"}, true},
		{"different rule", "auth-service", "rule-2", []string{"user:alice", "host:web-1"}, false},
		{"different source", "api-gateway", "rule-1", []string{"user:alice", "host:web-1"}, false},
		{"different resources", "auth-service", "rule-1", []string{"user:bob"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DedupKey(tt.source, tt.ruleID, tt.resources)
			if (got == base) != tt.same {
				t.Errorf("DedupKey() = %q, base = %q, want same=%v", got, base, tt.same)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusResolved, true},
		{StatusOpen, StatusFalsePositive, true},
		{StatusInProgress, StatusResolved, true},
		{StatusInProgress, StatusFalsePositive, true},
		{StatusResolved, StatusOpen, true},
		{StatusFalsePositive, StatusOpen, true},

		{StatusOpen, StatusOpen, false},
		{StatusInProgress, StatusOpen, false},
		{StatusResolved, StatusInProgress, false},
		{StatusResolved, StatusFalsePositive, false},
		{StatusFalsePositive, StatusResolved, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusOpen.Terminal() || StatusInProgress.Terminal() {
		t.Error("open/in_progress must not be terminal")
	}
	if !StatusResolved.Terminal() || !StatusFalsePositive.Terminal() {
		t.Error("resolved/false_positive must be terminal")
	}
}
