package duration

import (
	"testing"

	"github.com/quantumlife-health/radsched/internal/equipment"
)

// S3: claustrophobic MRI at a 1.5T wide-bore site.
func TestCompute_ClaustrophobicWideBoreMRI(t *testing.T) {
	e := equipment.Equipment{EquipmentType: equipment.MRI, MRIFieldStrength: 1.5, MRIWideBore: true}
	b := Compute(equipment.MRI, 0, e, "MRI Lumbar Spine - patient very claustrophobic", PatientAttributes{})
	if b.Total != 62 {
		t.Errorf("expected 62 minutes, got %d (breakdown %+v)", b.Total, b)
	}
}

// S4: cardiac CT with an estimatedDuration override and a 256-slice modifier.
func TestCompute_CardiacCTDurationOverride(t *testing.T) {
	e := equipment.Equipment{EquipmentType: equipment.CT, CTSliceCount: 256, CTHasCardiac: true}
	b := Compute(equipment.CT, 30, e, "Cardiac CT Calcium Score", PatientAttributes{})
	if b.Total != 23 {
		t.Errorf("expected 23 minutes, got %d (breakdown %+v)", b.Total, b)
	}
}

func TestCompute_DefaultBaseByModality(t *testing.T) {
	cases := []struct {
		modality equipment.Modality
		want     int
	}{
		{equipment.CT, 30},
		{equipment.MRI, 45},
		{equipment.MAMMO, 20},
		{equipment.US, 30},
		{equipment.XRAY, 15},
		{equipment.FLUORO, 30},
		{equipment.PET, 60},
	}
	for _, c := range cases {
		b := Compute(c.modality, 0, equipment.Equipment{EquipmentType: c.modality}, "", PatientAttributes{})
		if b.BaseMinutes != c.want {
			t.Errorf("%s: base minutes = %d, want %d", c.modality, b.BaseMinutes, c.want)
		}
	}
}

func TestCompute_UnknownModalityDefaultsTo30(t *testing.T) {
	b := Compute(equipment.Modality("UNKNOWN"), 0, equipment.Equipment{}, "", PatientAttributes{})
	if b.BaseMinutes != 30 {
		t.Errorf("expected default base 30, got %d", b.BaseMinutes)
	}
}

func TestCompute_AddendaAreAdditiveAndNeverNegative(t *testing.T) {
	e := equipment.Equipment{EquipmentType: equipment.CT, CTSliceCount: 256}
	attrs := PatientAttributes{
		Claustrophobic:  true,
		MobilityIssues:  true,
		Bariatric:       true,
		Pediatric:       true,
		Elderly:         true,
		HearingImpaired: true,
		Interpreter:     true,
	}
	b := Compute(equipment.CT, 0, e, "", attrs)
	wantAddenda := 15 + 10 + 10 + 10 + 5 + 5 + 5
	if b.Addenda != wantAddenda {
		t.Errorf("addenda = %d, want %d", b.Addenda, wantAddenda)
	}
	if b.Addenda < 0 {
		t.Error("addenda must never be negative")
	}
}

// Invariant 7: duration can only shrink by the equipment modifier, whose
// floor is 0.70 (MRI 3T); addenda are never negative, so duration never
// drops below base * 0.70.
func TestCompute_DurationFloorInvariant(t *testing.T) {
	e := equipment.Equipment{EquipmentType: equipment.MRI, MRIFieldStrength: 3.0}
	b := Compute(equipment.MRI, 0, e, "", PatientAttributes{})
	floor := float64(baseMinutes[equipment.MRI]) * MinModifier
	if float64(b.Total) < floor-0.5 {
		t.Errorf("duration %d fell below floor %v", b.Total, floor)
	}
	if b.EquipmentModifier < MinModifier {
		t.Errorf("equipment modifier %v below floor %v", b.EquipmentModifier, MinModifier)
	}
}

func TestCompute_ClaustrophobicInferredFromDescription(t *testing.T) {
	e := equipment.Equipment{EquipmentType: equipment.MRI, MRIFieldStrength: 1.5}
	b := Compute(equipment.MRI, 0, e, "MRI Brain - patient claustrophobic", PatientAttributes{})
	if b.Addenda != 15 {
		t.Errorf("expected claustrophobia inferred from description, addenda=%d", b.Addenda)
	}
}
