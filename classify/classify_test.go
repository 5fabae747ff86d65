package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geobcdata/agosync/model"
)

func record(values ...any) model.Record {
	r := model.NewRecord()
	for i, v := range values {
		r.Fields[[]string{"A", "B", "C"}[i]] = v
	}
	return r
}

func TestClassifier_Rate(t *testing.T) {
	c := Classifier{Inputs: []string{"A", "B", "C"}, Output: "RATING"}

	tests := []struct {
		name string
		rec  model.Record
		want model.Rating
	}{
		{"all low", record("Low", "Low", "Low"), model.RatingLow},
		{"one high", record("High", "Low", "Moderate"), model.RatingHigh},
		{"two high", record("High", "High", "Low"), model.RatingVeryHigh},
		{"moderates only", record("Moderate", "Moderate", "Low"), model.RatingModerate},
		{"three high", record("High", "High", "High"), model.RatingVeryHigh},
		{"high beats moderate", record("High", "Moderate", "Moderate"), model.RatingHigh},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Rate(tc.rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifier_Rate_MissingAndMalformed(t *testing.T) {
	c := Classifier{Inputs: []string{"A", "B", "C"}, Output: "RATING"}

	// Nil and absent sub-indicators count as neither High nor Moderate.
	got, err := c.Rate(record(nil, "Moderate"))
	require.NoError(t, err)
	assert.Equal(t, model.RatingModerate, got)

	// Lenient mode: unrecognized strings fall through to Low.
	got, err = c.Rate(record("HIGH", "high", "very high"))
	require.NoError(t, err)
	assert.Equal(t, model.RatingLow, got)
}

func TestClassifier_Rate_Strict(t *testing.T) {
	c := Classifier{Inputs: []string{"A", "B", "C"}, Output: "RATING", Strict: true}

	_, err := c.Rate(record("Hgih", "Low", "Low"))
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "A", inputErr.Field)

	// Missing values are still tolerated in strict mode.
	got, err := c.Rate(record(nil, "High"))
	require.NoError(t, err)
	assert.Equal(t, model.RatingHigh, got)
}

func TestClassifier_Apply(t *testing.T) {
	c := Classifier{Inputs: []string{"A", "B", "C"}, Output: "RATING"}

	recs := []model.Record{
		record("High", "High", "Low"),
		record("Low", "Low", "Low"),
	}
	require.NoError(t, c.Apply(recs))

	r0, _ := recs[0].String("RATING")
	r1, _ := recs[1].String("RATING")
	assert.Equal(t, "Very High", r0)
	assert.Equal(t, "Low", r1)
}

func TestClassifier_Apply_NoOutput(t *testing.T) {
	c := Classifier{Inputs: []string{"A"}}
	assert.Error(t, c.Apply([]model.Record{record("Low")}))
}
