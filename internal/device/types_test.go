package device

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"badgeuse", KindReader, false},
		{"reader", KindReader, false},
		{" Porte ", KindDoor, false},
		{"door", KindDoor, false},
		{"lamp", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidKind) {
				t.Errorf("error = %v, want ErrInvalidKind", err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	labels := Labels(KindReader, "badgeuse-001", Config{DoorID: "porte-001"})
	if labels[LabelManaged] != "true" || labels[LabelDoorID] != "porte-001" {
		t.Fatalf("Labels() = %v", labels)
	}
	if !MatchLabels(labels, ManagedSelector()) {
		t.Error("managed selector should match")
	}

	kind, id, cfg, ok := ConfigFromLabels(labels)
	if !ok || kind != KindReader || id != "badgeuse-001" || cfg.DoorID != "porte-001" {
		t.Errorf("ConfigFromLabels() = %q %q %+v %v", kind, id, cfg, ok)
	}

	door := Labels(KindDoor, "porte-001", Config{DoorID: "ignored"})
	if _, has := door[LabelDoorID]; has {
		t.Errorf("door labels carry a door id: %v", door)
	}

	if _, _, _, ok := ConfigFromLabels(map[string]string{LabelKind: "porte"}); ok {
		t.Error("unmanaged labels should not parse")
	}
}

func TestStatusBaseURL(t *testing.T) {
	st := Status{HealthURL: "http://127.0.0.1:18000/health"}
	if got := st.BaseURL(); got != "http://127.0.0.1:18000" {
		t.Errorf("BaseURL() = %q", got)
	}
}
