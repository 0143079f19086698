package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const unknownFact = "unknown"

// Fact is a numeric instrument fact that may be unknown. It serializes as a
// JSON number when known and as the string "unknown" otherwise.
type Fact struct {
	value float64
	known bool
}

func KnownFact(v float64) Fact { return Fact{value: v, known: true} }

func UnknownFact() Fact { return Fact{} }

func (f Fact) Known() bool { return f.known }

func (f Fact) Value() (float64, bool) { return f.value, f.known }

func (f Fact) String() string {
	if !f.known {
		return unknownFact
	}
	return strconv.FormatFloat(f.value, 'f', -1, 64)
}

func (f Fact) MarshalJSON() ([]byte, error) {
	if !f.known {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(f.value)
}

// UnmarshalJSON accepts a number, a numeric string (a trailing % is
// ignored), "unknown" or null. Anything else is unknown rather than an error,
// since the values come from model extraction.
func (f *Fact) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = UnknownFact()
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("fact: %w", err)
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			*f = UnknownFact()
			return nil
		}
		*f = KnownFact(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		*f = UnknownFact()
		return nil
	}
	*f = KnownFact(v)
	return nil
}

type Instrument struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	ExpenseRatio Fact   `json:"expenseRatio"`
	Return1Y     Fact   `json:"return1y"`
	Return3Y     Fact   `json:"return3y"`
	FundSize     Fact   `json:"fundSize"`
	Source       string `json:"source,omitempty"`
}

// GroundingResult is immutable once built; the cache replaces it wholesale.
type GroundingResult struct {
	QueryUsed   string       `json:"queryUsed"`
	Instruments []Instrument `json:"instruments"`
	FetchedAt   time.Time    `json:"fetchedAt"`
	Sources     []string     `json:"sources"`
}

func (g GroundingResult) IsEmpty() bool {
	return len(g.Instruments) == 0
}

// SearchResult is what a Retriever returns for one query.
type SearchResult struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
}
