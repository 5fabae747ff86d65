package model

// Rating is an ordered categorical label produced by the classifier.
type Rating string

// Rating values, lowest to highest.
const (
	RatingLow      Rating = "Low"
	RatingModerate Rating = "Moderate"
	RatingHigh     Rating = "High"
	RatingVeryHigh Rating = "Very High"
)

// Valid reports whether r is one of the known rating values.
func (r Rating) Valid() bool {
	switch r {
	case RatingLow, RatingModerate, RatingHigh, RatingVeryHigh:
		return true
	}
	return false
}

// Default stored values for two-state sensitivity statuses. Jobs may
// override these per trigger (some layers store "Not Sensitive" /
// "Sensitive" in full).
const (
	SensitivityBaseline = "N"
	SensitivityElevated = "Y"
)
