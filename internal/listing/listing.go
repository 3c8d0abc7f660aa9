// Package listing holds the resale listing and quota types shared by the
// scanner, the classifier and the store.
package listing

import (
	"strings"
)

// Condition is the estimated condition of a scanned item.
type Condition string

const (
	ConditionUnknown    Condition = ""
	ConditionNew        Condition = "new"
	ConditionVeryGood   Condition = "very_good"
	ConditionGood       Condition = "good"
	ConditionAcceptable Condition = "acceptable"
	ConditionDefective  Condition = "defective"
)

// Conditions lists the known conditions from best to worst.
var Conditions = []Condition{
	ConditionNew,
	ConditionVeryGood,
	ConditionGood,
	ConditionAcceptable,
	ConditionDefective,
}

var conditionLabels = map[Condition]string{
	ConditionNew:        "Neu",
	ConditionVeryGood:   "Sehr gut",
	ConditionGood:       "Gut",
	ConditionAcceptable: "Akzeptabel",
	ConditionDefective:  "Defekt",
}

// conditionAliases maps lowercased spellings seen in model output to conditions.
var conditionAliases = map[string]Condition{
	"new":        ConditionNew,
	"neu":        ConditionNew,
	"neuwertig":  ConditionNew,
	"very_good":  ConditionVeryGood,
	"very good":  ConditionVeryGood,
	"verygood":   ConditionVeryGood,
	"like new":   ConditionVeryGood,
	"sehr gut":   ConditionVeryGood,
	"good":       ConditionGood,
	"gut":        ConditionGood,
	"acceptable": ConditionAcceptable,
	"akzeptabel": ConditionAcceptable,
	"fair":       ConditionAcceptable,
	"defective":  ConditionDefective,
	"defekt":     ConditionDefective,
	"broken":     ConditionDefective,
	"for parts":  ConditionDefective,
}

// ParseCondition maps a condition key, German label or common spelling to a
// Condition. Unknown input yields ConditionUnknown.
func ParseCondition(s string) Condition {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", " ")
	if c, ok := conditionAliases[key]; ok {
		return c
	}
	if c, ok := conditionAliases[strings.ReplaceAll(key, " ", "_")]; ok {
		return c
	}
	return ConditionUnknown
}

// Label returns the German display label.
func (c Condition) Label() string {
	if label, ok := conditionLabels[c]; ok {
		return label
	}
	return "Unbekannt"
}

// Valid reports whether c is one of the known conditions.
func (c Condition) Valid() bool {
	_, ok := conditionLabels[c]
	return ok
}

// ScanResult is the structured listing produced by the vision classifier for
// a single frame.
type ScanResult struct {
	Detected      bool      `json:"detected"`
	Title         string    `json:"title"`
	PriceEstimate string    `json:"priceEstimate"`
	Condition     Condition `json:"condition"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	Keywords      []string  `json:"keywords"`
	Reasoning     string    `json:"reasoning"`
}
