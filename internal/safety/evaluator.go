// Package safety evaluates a radiology order against a patient's clinical
// context and returns warnings, blocks, and the earliest date the order may
// be scheduled. It is a pure function of its inputs: no I/O, no wall clock
// beyond the injected "today", mirrored on the teacher's deterministic
// compliance.QuietHours.Suppress(now, purpose) signature style.
package safety

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Severity is the clinical severity of a recorded allergy.
type Severity string

const (
	SeveritySevere   Severity = "SV"
	SeverityModerate Severity = "MO"
	SeverityMild     Severity = "MI"
)

// Allergy is one entry from a patient context snapshot.
type Allergy struct {
	Allergen string
	Type     string
	Severity Severity
	Reaction string
}

// Lab is one lab result from a patient context snapshot.
type Lab struct {
	Name  string
	Code  string
	Value string
	Units string
	Date  time.Time
}

// PriorImaging is a prior study on record for the patient.
type PriorImaging struct {
	Modality    string
	Date        time.Time
	HadContrast bool
}

// Flags are boolean patient attributes relevant to scheduling.
type Flags struct {
	Claustrophobic  bool
	Bariatric       bool
	Pediatric       bool
	Elderly         bool
	Age             int
	MobilityIssues  bool
	Wheelchair      bool
	Walker          bool
	HearingImpaired bool
	Interpreter     bool
	NonEnglish      bool
}

// Context is the optional patient context snapshot attached to an order.
type Context struct {
	Allergies    []Allergy
	Labs         []Lab
	PriorImaging []PriorImaging
	Flags        Flags
}

// Order is the subset of order fields the evaluator needs.
type Order struct {
	OrderDescription string
	Modality         string
	PatientContext   *Context
}

// Issue is a single warning or block carrying patient-facing copy.
type Issue struct {
	ReasonCode      string
	PatientMessage  string
	Details         string
	MinScheduleDate *time.Time
}

// Result is the outcome of evaluating one order.
type Result struct {
	Warnings        []Issue
	Blocks          []Issue
	CanProceed      bool
	MinScheduleDate *time.Time
}

var contrastPositive = []*regexp.Regexp{
	regexp.MustCompile(`(?i)WITH (IV )?CONTRAST`),
	regexp.MustCompile(`(?i)W/? ?CONTRAST`),
	regexp.MustCompile(`(?i)CONTRAST ENHANCED`),
	regexp.MustCompile(`(?i)\bCTA\b`),
	regexp.MustCompile(`(?i)\bMRA\b`),
	regexp.MustCompile(`(?i)WITH GAD`),
	regexp.MustCompile(`(?i)\+ ?C\b`),
	regexp.MustCompile(`(?i)ANGIOGRAPH`),
}

var contrastNegative = []*regexp.Regexp{
	regexp.MustCompile(`(?i)WITHOUT CONTRAST`),
	regexp.MustCompile(`(?i)W/O CONTRAST`),
	regexp.MustCompile(`(?i)NON[ -]?CONTRAST`),
	regexp.MustCompile(`(?i)-C\b`),
	regexp.MustCompile(`(?i)W/O C\b`),
}

// requiresContrast reports whether the order description asks for a
// contrast study: a positive pattern matches and no negative pattern does.
func requiresContrast(description string) bool {
	matched := false
	for _, re := range contrastPositive {
		if re.MatchString(description) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, re := range contrastNegative {
		if re.MatchString(description) {
			return false
		}
	}
	return true
}

// EvaluateAt evaluates order against the patient context it carries, with
// today as the injectable clock.
func EvaluateAt(order Order, today time.Time) Result {
	result := Result{CanProceed: true}

	if !requiresContrast(order.OrderDescription) {
		return result
	}
	if order.PatientContext == nil {
		return result
	}
	ctx := order.PatientContext

	if issue, isBlock := evaluateContrastAllergy(ctx.Allergies); issue != nil {
		if isBlock {
			result.Blocks = append(result.Blocks, *issue)
		} else {
			result.Warnings = append(result.Warnings, *issue)
		}
	}

	renalIssues, isBlock := evaluateRenalFunction(ctx.Labs, today)
	for _, issue := range renalIssues {
		if isBlock {
			result.Blocks = append(result.Blocks, issue)
		} else {
			result.Warnings = append(result.Warnings, issue)
		}
	}

	if issue := evaluateRecentContrast(ctx.PriorImaging, today); issue != nil {
		result.Warnings = append(result.Warnings, *issue)
		result.MinScheduleDate = issue.MinScheduleDate
	}

	result.CanProceed = len(result.Blocks) == 0
	return result
}

func isContrastAllergen(a Allergy) bool {
	if strings.EqualFold(a.Type, "MC") {
		return true
	}
	lower := strings.ToLower(a.Allergen)
	return strings.Contains(lower, "contrast") ||
		strings.Contains(lower, "iodine") ||
		strings.Contains(lower, "gadolinium")
}

// evaluateContrastAllergy scans every allergy on file rather than stopping
// at the first contrast-related match, so a severe allergy later in the
// list still blocks even when a milder one appears first.
func evaluateContrastAllergy(allergies []Allergy) (*Issue, bool) {
	var mild *Allergy
	for i, a := range allergies {
		if !isContrastAllergen(a) {
			continue
		}
		if a.Severity == SeveritySevere {
			return &Issue{
				ReasonCode:     "CONTRAST_ALLERGY_SEVERE",
				PatientMessage: "Our records show a severe contrast allergy on file. A scheduling coordinator will contact you to discuss options.",
				Details:        a.Reaction,
			}, true
		}
		if mild == nil {
			mild = &allergies[i]
		}
	}
	if mild != nil {
		return &Issue{
			ReasonCode:     "CONTRAST_ALLERGY",
			PatientMessage: "Our records show a contrast allergy. Pre-medication may be required; a coordinator can confirm at check-in.",
			Details:        mild.Reaction,
		}, false
	}
	return nil, false
}

func isRenalLab(l Lab) bool {
	if l.Code == "33914-3" {
		return true
	}
	lower := strings.ToLower(l.Name)
	return strings.Contains(lower, "egfr") || strings.Contains(lower, "gfr")
}

func evaluateRenalFunction(labs []Lab, today time.Time) ([]Issue, bool) {
	for _, l := range labs {
		if !isRenalLab(l) {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(l.Value), 64)
		if err != nil {
			continue
		}
		var issues []Issue
		isBlock := false
		switch {
		case value < 30:
			issues = append(issues, Issue{
				ReasonCode:     "RENAL_FUNCTION_CRITICAL",
				PatientMessage: "Your kidney function labs are below the safe threshold for contrast. A coordinator will reach out before scheduling.",
				Details:        l.Value,
			})
			isBlock = true
		case value < 45:
			issues = append(issues, Issue{
				ReasonCode:     "RENAL_FUNCTION_LOW",
				PatientMessage: "Your kidney function labs are slightly low. Your care team may adjust the contrast protocol.",
				Details:        l.Value,
			})
		}
		if !l.Date.IsZero() && today.Sub(l.Date) > 30*24*time.Hour {
			issues = append(issues, Issue{
				ReasonCode:     "LABS_OUTDATED",
				PatientMessage: "Your kidney function labs are more than 30 days old and may need to be repeated.",
				Details:        l.Date.Format("2006-01-02"),
			})
		}
		return issues, isBlock
	}
	return nil, false
}

func evaluateRecentContrast(priorImaging []PriorImaging, today time.Time) *Issue {
	for _, p := range priorImaging {
		if !p.HadContrast {
			continue
		}
		daysSince := int(today.Sub(p.Date).Hours() / 24)
		if daysSince < 0 || daysSince >= 7 {
			continue
		}
		minDate := today.AddDate(0, 0, 7-daysSince)
		return &Issue{
			ReasonCode:      "RECENT_CONTRAST",
			PatientMessage:  "You recently had a contrast study. For your safety we'll need to wait before your next contrast exam.",
			Details:         p.Date.Format("2006-01-02"),
			MinScheduleDate: &minDate,
		}
	}
	return nil
}
