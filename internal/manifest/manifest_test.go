package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

func TestParse_WellFormed(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`S. No.,Product Name,Input Image Urls`,
		`1,Widget,"http://example.com/a.png, http://example.com/b.png"`,
		`2,Gadget,http://example.com/c.png`,
	}, "\n")

	rows, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, "1", rows[0].Serial)
	require.Equal(t, "Widget", rows[0].ProductName)
	require.Equal(t, []string{"http://example.com/a.png", "http://example.com/b.png"}, rows[0].URLs)
	require.Equal(t, 2, rows[0].Line)

	require.Equal(t, "2", rows[1].Serial)
	require.Equal(t, []string{"http://example.com/c.png"}, rows[1].URLs)
}

func TestParse_CarriesRawFieldsThrough(t *testing.T) {
	t.Parallel()

	// Malformed values are the validator's problem, not the parser's.
	input := strings.Join([]string{
		`S. No.,Product Name,Input Image Urls`,
		`abc,Widget,"bad-url, http://example.com/a.png"`,
	}, "\n")

	rows, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "abc", rows[0].Serial)
	require.Equal(t, []string{"bad-url", "http://example.com/a.png"}, rows[0].URLs)
}

func TestParse_ShortRecord(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`S. No.,Product Name,Input Image Urls`,
		`1,Widget`,
	}, "\n")

	rows, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Empty(t, rows[0].URLs)
}

func TestParse_BadHeader(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("Serial,Name,Urls\n1,Widget,http://example.com/a.png\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), `want "S. No."`)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "manifest is empty")
}

func TestSplitURLs(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		[]string{"http://a", "http://b"},
		SplitURLs(" http://a , http://b ,"))
	require.Empty(t, SplitURLs("   "))
}

func TestRender_OrdersBySerialAndOmitsFailedSlots(t *testing.T) {
	t.Parallel()

	records := []pipeline.ImageRecord{
		{
			RequestID:    "req-1",
			SerialNumber: 2,
			ProductName:  "Gadget",
			InputURLs:    []string{"http://example.com/c.png"},
			Outcomes:     []pipeline.URLOutcome{{Status: pipeline.OutcomeOK, Location: "/out/gadget_1.jpg"}},
			RowStatus:    pipeline.RowProcessed,
		},
		{
			RequestID:    "req-1",
			SerialNumber: 1,
			ProductName:  "Widget",
			InputURLs:    []string{"http://example.com/a.png", "http://example.com/b.png"},
			Outcomes: []pipeline.URLOutcome{
				{Status: pipeline.OutcomeOK, Location: "/out/widget_1.jpg"},
				{Status: pipeline.OutcomeFailed, Error: "unexpected status 404"},
			},
			RowStatus: pipeline.RowProcessed,
		},
	}

	data, err := Render(records)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "S. No.,Product Name,Input Image Urls,Output Image Urls", lines[0])
	// Widget (serial 1) first despite being listed second; its failed slot
	// is omitted from the joined output column, not replaced by a placeholder.
	require.Contains(t, lines[1], "Widget")
	require.Contains(t, lines[1], "/out/widget_1.jpg")
	require.NotContains(t, lines[1], "404")
	require.Contains(t, lines[2], "Gadget")
}

func TestRender_RoundTripsThroughParse(t *testing.T) {
	t.Parallel()

	records := []pipeline.ImageRecord{{
		SerialNumber: 1,
		ProductName:  "Widget",
		InputURLs:    []string{"http://example.com/a.png"},
		Outcomes:     []pipeline.URLOutcome{{Status: pipeline.OutcomeOK, Location: "/out/widget_1.jpg"}},
		RowStatus:    pipeline.RowProcessed,
	}}

	data, err := Render(records)
	require.NoError(t, err)

	rows, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "1", rows[0].Serial)
	require.Equal(t, "Widget", rows[0].ProductName)
}
