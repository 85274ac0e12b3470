// Package equipment resolves which scheduling locations can service an
// order, inferring the equipment requirements implied by the order's free
// text and modality. Postgres-backed catalog, read-through cached in Redis
// with a short TTL, grounded on the teacher's Redis-backed config cache
// (internal/app/bootstrap.BuildClinicStore) and internal/clinic.Store.
package equipment

import (
	"regexp"
)

// Modality enumerates the imaging modalities the catalog tracks.
type Modality string

const (
	CT     Modality = "CT"
	MRI    Modality = "MRI"
	MAMMO  Modality = "MAMMO"
	US     Modality = "US"
	XRAY   Modality = "XRAY"
	FLUORO Modality = "FLUORO"
	PET    Modality = "PET"
)

// Location is one schedulable site.
type Location struct {
	LocationID string
	Name       string
	Address    string
	City       string
	State      string
	Phone      string
	Timezone   string
	Active     bool
}

// Equipment is one active equipment row at a location.
type Equipment struct {
	LocationID             string
	EquipmentType           Modality
	CTSliceCount            int
	CTHasCardiac            bool
	CTHasContrastInjector   bool
	CTDualEnergy            bool
	MRIFieldStrength        float64
	MRIWideBore             bool
	MRIHasCardiac           bool
	Mammo3DTomo             bool
	MammoStereoBiopsy       bool
	MaxPatientWeightKg      float64
	HasBariatricTable       bool
	Active                  bool
}

// Requirement is the composed set of equipment constraints an order implies.
// Boolean fields compose by conjunction; numeric fields compose as the max
// of the minimums any matching rule asserted.
type Requirement struct {
	CTHasContrastInjector bool
	CTHasCardiac          bool
	CTMinSliceCount       int
	CTDualEnergy          bool
	MRIHasCardiac         bool
	MRIMinFieldStrength   float64
	MRIWideBore           bool
	MammoTomo             bool
	MammoStereoBiopsy     bool
	BariatricTable        bool
}

type rule struct {
	matcher  *regexp.Regexp
	modality Modality // empty means applies to any modality ("*")
	apply    func(*Requirement)
}

var rules = []rule{
	{
		matcher:  regexp.MustCompile(`(?i)WITH (IV )?CONTRAST|W/? ?CONTRAST|CONTRAST ENHANCED`),
		modality: CT,
		apply:    func(r *Requirement) { r.CTHasContrastInjector = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)CARDIAC|CTA CORONARY|CORONARY CTA|CALCIUM SCORE`),
		modality: CT,
		apply: func(r *Requirement) {
			r.CTHasCardiac = true
			setMinInt(&r.CTMinSliceCount, 64)
		},
	},
	{
		matcher:  regexp.MustCompile(`(?i)\bCTA\b|CT ANGIO|ANGIOGRAPHY`),
		modality: CT,
		apply: func(r *Requirement) {
			r.CTHasContrastInjector = true
			setMinInt(&r.CTMinSliceCount, 64)
		},
	},
	{
		matcher:  regexp.MustCompile(`(?i)DUAL ENERGY|DECT`),
		modality: CT,
		apply:    func(r *Requirement) { r.CTDualEnergy = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)CARDIAC MRI|MRI HEART|MRI CARDIAC|CMR`),
		modality: MRI,
		apply:    func(r *Requirement) { r.MRIHasCardiac = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)3 ?T(ESLA)?|HIGH FIELD`),
		modality: MRI,
		apply:    func(r *Requirement) { setMinFloat(&r.MRIMinFieldStrength, 3.0) },
	},
	{
		matcher:  regexp.MustCompile(`(?i)WIDE BORE|CLAUSTROPHOB|BARIATRIC`),
		modality: MRI,
		apply:    func(r *Requirement) { r.MRIWideBore = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)3D|TOMO(SYNTHESIS)?|DBT`),
		modality: MAMMO,
		apply:    func(r *Requirement) { r.MammoTomo = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)STEREO(TACTIC)? BIOPSY`),
		modality: MAMMO,
		apply:    func(r *Requirement) { r.MammoStereoBiopsy = true },
	},
	{
		matcher:  regexp.MustCompile(`(?i)BARIATRIC|WEIGHT > \d+|OVER \d+ (KG|LB)`),
		modality: "",
		apply:    func(r *Requirement) { r.BariatricTable = true },
	},
}

func setMinInt(field *int, floor int) {
	if *field < floor {
		*field = floor
	}
}

func setMinFloat(field *float64, floor float64) {
	if *field < floor {
		*field = floor
	}
}

// InferRequirement derives the equipment Requirement an order implies from
// its free-text description and modality. An order matching no rule has no
// special requirements.
func InferRequirement(description string, modality Modality) Requirement {
	var req Requirement
	for _, rl := range rules {
		if rl.modality != "" && rl.modality != modality {
			continue
		}
		if rl.matcher.MatchString(description) {
			rl.apply(&req)
		}
	}
	return req
}

// Satisfies reports whether equipment e meets requirement r.
func (r Requirement) Satisfies(e Equipment) bool {
	if r.CTHasContrastInjector && !e.CTHasContrastInjector {
		return false
	}
	if r.CTHasCardiac && !e.CTHasCardiac {
		return false
	}
	if r.CTMinSliceCount > 0 && e.CTSliceCount < r.CTMinSliceCount {
		return false
	}
	if r.CTDualEnergy && !e.CTDualEnergy {
		return false
	}
	if r.MRIHasCardiac && !e.MRIHasCardiac {
		return false
	}
	if r.MRIMinFieldStrength > 0 && e.MRIFieldStrength < r.MRIMinFieldStrength {
		return false
	}
	if r.MRIWideBore && !e.MRIWideBore {
		return false
	}
	if r.MammoTomo && !e.Mammo3DTomo {
		return false
	}
	if r.MammoStereoBiopsy && !e.MammoStereoBiopsy {
		return false
	}
	if r.BariatricTable && !e.HasBariatricTable {
		return false
	}
	return true
}

// CandidateLocation pairs a location with its active equipment row for a
// given modality.
type CandidateLocation struct {
	Location  Location
	Equipment Equipment
}

// FilterLocations returns only the candidates whose equipment row satisfies
// the requirement the order implies. The returned set is always a subset of
// candidates; an order matching no rule admits every candidate of the right
// modality.
func FilterLocations(candidates []CandidateLocation, description string, modality Modality) []CandidateLocation {
	req := InferRequirement(description, modality)
	var kept []CandidateLocation
	for _, c := range candidates {
		if c.Equipment.EquipmentType != modality {
			continue
		}
		if !c.Equipment.Active || !c.Location.Active {
			continue
		}
		if req.Satisfies(c.Equipment) {
			kept = append(kept, c)
		}
	}
	return kept
}

// HasCapableLocation answers the existence question without building the
// full filtered list.
func HasCapableLocation(candidates []CandidateLocation, description string, modality Modality) bool {
	return len(FilterLocations(candidates, description, modality)) > 0
}
