// Package duration computes the expected appointment length for an order,
// given the equipment assigned and the patient's attributes. Pure function,
// arithmetic only — flagged as a stdlib-only component in DESIGN.md since
// no pack library offers anything domain-specific for minute arithmetic.
package duration

import (
	"math"
	"strings"

	"github.com/quantumlife-health/radsched/internal/equipment"
)

var baseMinutes = map[equipment.Modality]int{
	equipment.CT:     30,
	equipment.MRI:    45,
	equipment.MAMMO:  20,
	equipment.US:     30,
	equipment.XRAY:   15,
	equipment.FLUORO: 30,
	equipment.PET:    60,
}

const defaultBaseMinutes = 30
const minEquipmentModifier = 0.70

// PatientAttributes are the flags and free-text hints relevant to duration.
type PatientAttributes struct {
	Claustrophobic  bool
	MobilityIssues  bool
	Bariatric       bool
	Pediatric       bool
	Elderly         bool
	Age             int
	HearingImpaired bool
	Interpreter     bool
	NonEnglish      bool
}

// Breakdown surfaces how total was derived, for logging and UI.
type Breakdown struct {
	BaseMinutes       int
	EquipmentModifier float64
	Addenda           int
	Total             int
}

// Compute returns the expected duration in minutes for an order of the
// given modality, assigned to equipment e, for a patient with the given
// attributes. estimatedDuration, if > 0, overrides the base minutes table.
func Compute(modality equipment.Modality, estimatedDuration int, e equipment.Equipment, description string, attrs PatientAttributes) Breakdown {
	base := baseMinutes[modality]
	if base == 0 {
		base = defaultBaseMinutes
	}
	if estimatedDuration > 0 {
		base = estimatedDuration
	}

	modifier := equipmentModifier(modality, e)
	addenda := patientAddenda(description, attrs)

	total := int(math.Round(float64(base)*modifier)) + addenda

	return Breakdown{
		BaseMinutes:       base,
		EquipmentModifier: modifier,
		Addenda:           addenda,
		Total:             total,
	}
}

func equipmentModifier(modality equipment.Modality, e equipment.Equipment) float64 {
	switch modality {
	case equipment.CT:
		switch {
		case e.CTSliceCount >= 256:
			return 0.75
		case e.CTSliceCount >= 128:
			return 0.80
		case e.CTSliceCount >= 64:
			return 0.85
		default:
			return 1.00
		}
	case equipment.MRI:
		modifier := 1.00
		if e.MRIFieldStrength >= 3.0 {
			modifier = 0.70
		}
		if e.MRIWideBore {
			modifier *= 1.05
		}
		return modifier
	default:
		return 1.00
	}
}

func patientAddenda(description string, attrs PatientAttributes) int {
	upper := strings.ToUpper(description)
	claustrophobic := attrs.Claustrophobic || strings.Contains(upper, "CLAUSTROPHOB")
	bariatric := attrs.Bariatric || strings.Contains(upper, "BARIATRIC")

	addenda := 0
	if claustrophobic {
		addenda += 15
	}
	if attrs.MobilityIssues {
		addenda += 10
	}
	if bariatric {
		addenda += 10
	}
	if attrs.Pediatric {
		addenda += 10
	}
	if attrs.Elderly || attrs.Age >= 80 {
		addenda += 5
	}
	if attrs.HearingImpaired {
		addenda += 5
	}
	if attrs.Interpreter || attrs.NonEnglish {
		addenda += 5
	}
	return addenda
}

// MinModifier is the floor any equipment modifier can reach (MRI 3T).
// Exported so callers can assert the duration-floor invariant without
// reaching into package internals.
const MinModifier = minEquipmentModifier
