package util

import (
	"errors"
	"testing"

	"projectsync/internal/model"
)

type form struct {
	Name   string `json:"name" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	Date   string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Status string `json:"status" validate:"omitempty,oneof=Active Inactive"`
}

func TestValidatorReportsJSONFieldName(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name  string
		in    form
		field string
	}{
		{"missing name", form{}, "name"},
		{"bad email", form{Name: "x", Email: "nope"}, "email"},
		{"bad date", form{Name: "x", Date: "21/05/2025"}, "date"},
		{"bad status", form{Name: "x", Status: "Paused"}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.in)
			var ve *model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if err := v.Struct(form{Name: "ok", Email: "a@b.co", Date: "2025-05-21", Status: "Active"}); err != nil {
		t.Fatalf("valid form rejected: %v", err)
	}
}
