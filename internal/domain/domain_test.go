package domain

import (
	"testing"
	"time"
)

func TestSeverityCountsMax(t *testing.T) {
	a := SeverityCounts{Critical: 1, High: 5, Medium: 0, Low: 2}
	b := SeverityCounts{Critical: 3, High: 2, Medium: 4, Unknown: 1}

	got := a.Max(b)
	want := SeverityCounts{Critical: 3, High: 5, Medium: 4, Low: 2, Unknown: 1}
	if got != want {
		t.Errorf("Max() = %+v, want %+v", got, want)
	}
}

func TestSeverityCountsTotal(t *testing.T) {
	c := SeverityCounts{Critical: 1, High: 2, Medium: 3, Low: 4, Negligible: 5, Unknown: 6}
	if got := c.Total(); got != 21 {
		t.Errorf("Total() = %d, want 21", got)
	}
}

func TestScheduleShouldRegister(t *testing.T) {
	tests := []struct {
		name string
		sch  Schedule
		want bool
	}{
		{"enabled with expression", Schedule{Enabled: true, CronExpression: "0 * * * *"}, true},
		{"disabled with expression", Schedule{Enabled: false, CronExpression: "0 * * * *"}, false},
		{"enabled without expression", Schedule{Enabled: true, CronExpression: ""}, false},
		{"disabled without expression", Schedule{Enabled: false, CronExpression: ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sch.ShouldRegister(); got != tt.want {
				t.Errorf("ShouldRegister() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvironmentIsEdge(t *testing.T) {
	tests := []struct {
		name string
		env  Environment
		want bool
	}{
		{"agent edge", Environment{Transport: Transport{Kind: TransportAgentEdge}}, true},
		{"socket", Environment{Transport: Transport{Kind: TransportSocket}}, false},
		{"direct", Environment{Transport: Transport{Kind: TransportDirect}}, false},
		{"agent token", Environment{Transport: Transport{Kind: TransportAgentToken}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.IsEdge(); got != tt.want {
				t.Errorf("IsEdge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	tests := []struct {
		status ExecutionStatus
		want   bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusSuccess, true},
		{StatusFailed, true},
		{StatusSkipped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentTokenExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		token AgentToken
		want  bool
	}{
		{"no expiry", AgentToken{}, false},
		{"expired", AgentToken{ExpiresAt: &past}, true},
		{"not yet expired", AgentToken{ExpiresAt: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := &NotFound{Kind: "environment", ID: "env-1"}
	want := `environment "env-1" not found`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
