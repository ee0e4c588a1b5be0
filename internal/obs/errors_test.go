package obs

import (
	"errors"
	"testing"
)

func TestConfigErrorUnwrap(t *testing.T) {
	err := NewConfigError("nodes", "interfaces[0].address", "invalid CIDR")
	if !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ConfigError to unwrap to ErrConfigInvalid")
	}
	if err.Error() == "" {
		t.Errorf("expected non-empty error message")
	}
}

func TestModelLogicErrorUnwrap(t *testing.T) {
	err := NewModelLogicError("eqclass.find_ec", "address 10.0.0.1 not covered")
	if !errors.Is(err, ErrInvariantImpossibleState) {
		t.Errorf("expected ModelLogicError to unwrap to ErrInvariantImpossibleState")
	}
}

func TestDriverErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewDriverError("inject", "nat-1", inner)
	if !errors.Is(err, ErrDriverFailed) {
		t.Errorf("expected DriverError to unwrap to ErrDriverFailed")
	}
}

func TestValidationBuilder(t *testing.T) {
	var vb ValidationBuilder
	vb.Add(true, "should not appear")
	vb.Add(false, "bad adm_dist")
	vb.AddErrorf("unknown node %q", "r9")

	if !vb.HasErrors() {
		t.Fatalf("expected errors to be recorded")
	}
	err := vb.Build()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("expected 2 recorded errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationBuilderNoErrors(t *testing.T) {
	var vb ValidationBuilder
	vb.Add(true, "fine")
	if vb.HasErrors() {
		t.Errorf("expected no errors")
	}
	if vb.Build() != nil {
		t.Errorf("expected nil error when nothing recorded")
	}
}
