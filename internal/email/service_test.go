package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		want   bool
	}{
		{"complete", Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com"}, true},
		{"missing host", Config{Port: "587", From: "ops@example.com"}, false},
		{"missing from", Config{Host: "smtp.example.com", Port: "587"}, false},
		{"empty", Config{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NewService(tc.config).IsConfigured(); got != tc.want {
				t.Errorf("IsConfigured() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSendEmailRequiresConfiguration(t *testing.T) {
	s := NewService(Config{})
	if err := s.SendEmail([]string{"pm@example.com"}, "subject", "body"); err == nil {
		t.Fatal("expected error sending with no configuration")
	}
}

func TestLowStockAlert(t *testing.T) {
	subject, body := LowStockAlert("Water filters", "Depot North", 3, 4)

	if !strings.Contains(subject, "Water filters") || !strings.Contains(subject, "Depot North") {
		t.Errorf("subject missing item or location: %q", subject)
	}
	if !strings.Contains(body, "dropped to 3") || !strings.Contains(body, "threshold of 4") {
		t.Errorf("body missing quantities: %q", body)
	}
}
