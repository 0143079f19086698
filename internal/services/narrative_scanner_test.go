package services_test

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"finadvisor-pipeline/internal/services"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func feedAll(s *services.NarrativeScanner, chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(s.Feed(c))
	}
	return b.String()
}

func splitEvery(s string, n int) []string {
	var out []string
	for i := 0; i < len(s); i += n {
		out = append(out, s[i:min(i+n, len(s))])
	}
	return out
}

func TestNarrativeScannerWholeDocument(t *testing.T) {
	s := services.NewNarrativeScanner()
	got := feedAll(s, `{"narrative": "Save first, then invest.", "intentSummary": "x"}`)

	assert.Equal(t, "Save first, then invest.", got)
	assert.True(t, s.Complete())
	assert.Equal(t, got, s.Confirmed())
}

func TestNarrativeScannerByteByByte(t *testing.T) {
	doc := `{"analysis": "a", "narrative": "Tab\there \"quoted\" and a \\ slash"}`
	s := services.NewNarrativeScanner()

	got := feedAll(s, splitEvery(doc, 1)...)

	assert.Equal(t, "Tab\there \"quoted\" and a \\ slash", got)
	assert.True(t, s.Complete())
}

func TestNarrativeScannerHoldsSplitEscape(t *testing.T) {
	s := services.NewNarrativeScanner()

	assert.Equal(t, "line", s.Feed(`{"narrative": "line\`))
	cursor := s.Cursor()
	assert.Equal(t, "\nnext", s.Feed(`nnext`))
	assert.Greater(t, s.Cursor(), cursor)
}

func TestNarrativeScannerUnicodeEscapes(t *testing.T) {
	s := services.NewNarrativeScanner()

	assert.Equal(t, "", s.Feed(`{"narrative": "\u20`))
	assert.Equal(t, "€", s.Feed(`ac`))
	// surrogate pair split across chunks
	assert.Equal(t, "", s.Feed(`\ud83d`))
	assert.Equal(t, "", s.Feed(`\ude`))
	assert.Equal(t, "😀!", s.Feed(`00!"`))
	assert.True(t, s.Complete())
}

func TestNarrativeScannerLoneSurrogate(t *testing.T) {
	s := services.NewNarrativeScanner()

	got := feedAll(s, `{"narrative": "a\ud83dz"}`)

	assert.Equal(t, "a�z", got)
}

func TestNarrativeScannerSplitUTF8(t *testing.T) {
	doc := []byte(`{"narrative": "₹500 करोड़"}`)
	s := services.NewNarrativeScanner()

	var b strings.Builder
	for i := range doc {
		b.WriteString(s.Feed(string(doc[i : i+1])))
	}

	assert.Equal(t, "₹500 करोड़", b.String())
}

func TestNarrativeScannerIgnoresNestedAndValueMatches(t *testing.T) {
	doc := `{"analysis": {"narrative": "nested"}, "situation": "narrative", "list": ["narrative"], "narrative": "top"}`
	s := services.NewNarrativeScanner()

	assert.Equal(t, "top", feedAll(s, splitEvery(doc, 3)...))
}

func TestNarrativeScannerIgnoresInputAfterCompletion(t *testing.T) {
	s := services.NewNarrativeScanner()
	feedAll(s, `{"narrative": "done"`)

	assert.Equal(t, "", s.Feed(`, "narrative": "again"}`))
	assert.Equal(t, "done", s.Confirmed())
}

func TestNarrativeScannerNoNarrative(t *testing.T) {
	s := services.NewNarrativeScanner()

	assert.Equal(t, "", feedAll(s, `{"intentSummary": "x", "recommendations": []}`))
	assert.False(t, s.Complete())
}

// Any chunking of a marshalled document reveals exactly the narrative.
func TestNarrativeScannerChunkingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		narrative := rapid.String().Draw(rt, "narrative")
		other := rapid.String().Draw(rt, "other")

		data, err := json.Marshal(map[string]any{
			"analysis":  other,
			"narrative": narrative,
			"recommendations": []map[string]string{
				{"rationale": other},
			},
		})
		if err != nil {
			rt.Fatal(err)
		}

		cuts := rapid.SliceOfN(rapid.IntRange(0, len(data)), 0, 12).Draw(rt, "cuts")
		sort.Ints(cuts)

		s := services.NewNarrativeScanner()
		var got strings.Builder
		prev := 0
		for _, c := range append(cuts, len(data)) {
			got.WriteString(s.Feed(string(data[prev:c])))
			prev = c
		}

		var decoded struct {
			Narrative string `json:"narrative"`
		}
		_ = json.Unmarshal(data, &decoded)

		if got.String() != decoded.Narrative {
			rt.Fatalf("scanner produced %q, want %q", got.String(), decoded.Narrative)
		}
		if !s.Complete() {
			rt.Fatalf("scanner did not see the closing quote")
		}
	})
}
