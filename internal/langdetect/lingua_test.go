package langdetect

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "german", text: "Der Bundesrat hat am Mittwoch neue Massnahmen gegen die steigende Inflation beschlossen.", want: "de"},
		{name: "french", text: "Le Conseil fédéral a adopté mercredi de nouvelles mesures contre la hausse de l'inflation.", want: "fr"},
		{name: "italian", text: "Il Consiglio federale ha adottato mercoledì nuove misure contro l'aumento dell'inflazione.", want: "it"},
		{name: "too short", text: "Bern", want: ""},
		{name: "empty", text: "   ", want: ""},
		{name: "digits only", text: "2025 2026 2027 2028 2029 2030", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.text); got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}
