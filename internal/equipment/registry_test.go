package equipment

import "testing"

func TestInferRequirement_ContrastCT(t *testing.T) {
	req := InferRequirement("CT Abdomen with Contrast", CT)
	if !req.CTHasContrastInjector {
		t.Error("expected CTHasContrastInjector")
	}
}

func TestInferRequirement_CardiacCTRequiresSliceCount(t *testing.T) {
	req := InferRequirement("Cardiac CT Calcium Score", CT)
	if !req.CTHasCardiac {
		t.Error("expected CTHasCardiac")
	}
	if req.CTMinSliceCount != 64 {
		t.Errorf("expected min slice count 64, got %d", req.CTMinSliceCount)
	}
}

func TestInferRequirement_CTASetsBoth(t *testing.T) {
	req := InferRequirement("CTA Chest Angiography", CT)
	if !req.CTHasContrastInjector || req.CTMinSliceCount != 64 {
		t.Errorf("expected contrast injector + slice count 64, got %+v", req)
	}
}

func TestInferRequirement_ClaustrophobicMRIWantsWideBore(t *testing.T) {
	req := InferRequirement("MRI Lumbar Spine - patient very claustrophobic", MRI)
	if !req.MRIWideBore {
		t.Error("expected MRIWideBore")
	}
}

func TestRequirement_SliceCountBoundary(t *testing.T) {
	req := Requirement{CTMinSliceCount: 64}
	satisfies64 := Equipment{EquipmentType: CT, CTSliceCount: 64, Active: true}
	satisfies63 := Equipment{EquipmentType: CT, CTSliceCount: 63, Active: true}
	if !req.Satisfies(satisfies64) {
		t.Error("slice count 64 should satisfy >=64")
	}
	if req.Satisfies(satisfies63) {
		t.Error("slice count 63 should not satisfy >=64")
	}
}

// S3: claustrophobic MRI routes to the wide-bore location only.
func TestFilterLocations_ClaustrophobicRoutesToWideBore(t *testing.T) {
	locA := Location{LocationID: "A", Active: true}
	locB := Location{LocationID: "B", Active: true}
	eqA := Equipment{LocationID: "A", EquipmentType: MRI, MRIFieldStrength: 3.0, MRIWideBore: false, Active: true}
	eqB := Equipment{LocationID: "B", EquipmentType: MRI, MRIFieldStrength: 1.5, MRIWideBore: true, Active: true}

	candidates := []CandidateLocation{
		{Location: locA, Equipment: eqA},
		{Location: locB, Equipment: eqB},
	}

	kept := FilterLocations(candidates, "MRI Lumbar Spine - patient very claustrophobic", MRI)
	if len(kept) != 1 || kept[0].Location.LocationID != "B" {
		t.Fatalf("expected only location B to survive, got %+v", kept)
	}
}

// Invariant 6: filter_locations(c, o) is always a subset of c.
func TestFilterLocations_IsSubset(t *testing.T) {
	locA := Location{LocationID: "A", Active: true}
	locB := Location{LocationID: "B", Active: true}
	candidates := []CandidateLocation{
		{Location: locA, Equipment: Equipment{LocationID: "A", EquipmentType: CT, CTSliceCount: 16, Active: true}},
		{Location: locB, Equipment: Equipment{LocationID: "B", EquipmentType: CT, CTSliceCount: 128, Active: true}},
	}
	kept := FilterLocations(candidates, "Cardiac CT Calcium Score", CT)
	ids := map[string]bool{"A": true, "B": true}
	for _, k := range kept {
		if !ids[k.Location.LocationID] {
			t.Fatalf("kept location %s not present in candidate set", k.Location.LocationID)
		}
	}
}

func TestFilterLocations_UnmatchedOrderAdmitsAny(t *testing.T) {
	locA := Location{LocationID: "A", Active: true}
	candidates := []CandidateLocation{
		{Location: locA, Equipment: Equipment{LocationID: "A", EquipmentType: US, Active: true}},
	}
	kept := FilterLocations(candidates, "Ultrasound Abdomen", US)
	if len(kept) != 1 {
		t.Fatalf("expected unmatched order to admit the only candidate, got %+v", kept)
	}
}

func TestHasCapableLocation(t *testing.T) {
	locA := Location{LocationID: "A", Active: true}
	candidates := []CandidateLocation{
		{Location: locA, Equipment: Equipment{LocationID: "A", EquipmentType: CT, CTSliceCount: 16, Active: true}},
	}
	if HasCapableLocation(candidates, "Cardiac CT Calcium Score", CT) {
		t.Error("16-slice CT should not satisfy cardiac requirement")
	}
	if !HasCapableLocation(candidates, "CT Head", CT) {
		t.Error("plain CT head should be satisfied by any active CT location")
	}
}
