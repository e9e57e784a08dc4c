package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/greenledger/emissions-cli/internal/model"
)

func TestNormalizeEntry_FieldOrderAndCase(t *testing.T) {
	entry := model.Entry{
		Description: "Diesel for Backup Generators",
		Category:    "Stationary Combustion",
		FuelType:    "Diesel",
		Region:      "GB",
		GasHint:     "CO2e",
		Unit:        "Litre",
		SourceHint:  "DEFRA",
	}

	got := NormalizeEntry(entry)
	assert.Equal(t, "stationary combustion | diesel for backup generators | diesel | gb | co2e | litre | defra", got)
}

func TestNormalizeEntry_OmitsEmptyFields(t *testing.T) {
	entry := model.Entry{
		Description: "electricity usage",
		Unit:        "kWh",
	}
	assert.Equal(t, "electricity usage | kwh", NormalizeEntry(entry))
}

func TestNormalizeEntry_CollapsesWhitespace(t *testing.T) {
	entry := model.Entry{
		Description: "  diesel\t\tfor   generators \n",
		Unit:        "litre",
	}
	assert.Equal(t, "diesel for generators | litre", NormalizeEntry(entry))
}

func TestNormalizeEntry_Deterministic(t *testing.T) {
	entry := model.Entry{
		Description: "Natural Gas heating",
		Category:    "stationary combustion",
		Region:      "DE",
		Unit:        "m3",
	}
	first := NormalizeEntry(entry)
	for range 5 {
		assert.Equal(t, first, NormalizeEntry(entry))
	}
}

func TestNormalizeEntry_AllEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeEntry(model.Entry{}))
}
