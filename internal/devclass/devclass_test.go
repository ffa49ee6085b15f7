package devclass

import "testing"

func TestClassFields(t *testing.T) {
	// 0x5A020C: smartphone with networking, capturing, object transfer, telephony.
	c := Class(0x5A020C)

	if got := c.Format(); got != 0 {
		t.Errorf("Format() = %d, want 0", got)
	}
	if got := c.Minor(); got != 0x03 {
		t.Errorf("Minor() = %#x, want 0x03", got)
	}
	if got := c.Major(); got != Phone {
		t.Errorf("Major() = %v, want %v", got, Phone)
	}
	if got := c.Services(); got != 0x2D0 {
		t.Errorf("Services() = %#x, want 0x2d0", got)
	}
}

func TestFilterAccept(t *testing.T) {
	f := DefaultFilter()

	tests := []struct {
		name  string
		attrs map[string]any
		want  bool
	}{
		{"phone", map[string]any{"Class": uint32(0x5A020C)}, true},
		{"headset", map[string]any{"Class": uint32(0x240404)}, true},
		{"keyboard", map[string]any{"Class": uint32(0x002540)}, false},
		{"computer", map[string]any{"Class": uint32(0x10010C)}, false},
		{"missing class defaults to uncategorized", map[string]any{"Name": "thing"}, false},
		{"mistyped class", map[string]any{"Class": "0x5A020C"}, false},
		{"nil bag", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Accept(tt.attrs); got != tt.want {
				t.Errorf("Accept(%v) = %v, want %v", tt.attrs, got, tt.want)
			}
		})
	}
}

func TestFromAttributesDefault(t *testing.T) {
	c := FromAttributes(map[string]any{})
	if c != UncategorizedClass {
		t.Fatalf("FromAttributes(empty) = %v, want %v", c, UncategorizedClass)
	}
	if c.Major() != Uncategorized {
		t.Errorf("Major() = %v, want %v", c.Major(), Uncategorized)
	}
}

func TestFilterFromNames(t *testing.T) {
	f, err := FilterFromNames([]string{"Phone", "audio-video", "peripheral"})
	if err != nil {
		t.Fatalf("FilterFromNames() error = %v", err)
	}
	if !f.AcceptClass(Class(0x002540)) {
		t.Error("peripheral should be accepted when allow-listed")
	}
	if f.AcceptClass(Class(0x10010C)) {
		t.Error("computer should be rejected")
	}

	if _, err := FilterFromNames([]string{"spaceship"}); err == nil {
		t.Error("FilterFromNames() expected error for unknown class")
	}

	def, err := FilterFromNames(nil)
	if err != nil {
		t.Fatalf("FilterFromNames(nil) error = %v", err)
	}
	if def.String() != "allow[audio_video,phone]" {
		t.Errorf("default filter = %s", def)
	}
}
