package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"labelops/internal/ai"
	"labelops/internal/config"
	"labelops/internal/manifest"
	"labelops/internal/parser"
	"labelops/internal/pipeline"
)

const twoBlockInput = `Grace O'Neil
Flat 2, 10 High Street
Stonehaven
Aberdeenshire
AB538HY
UK

Martin Wilkie
Unit 7
Riverside Estate
Dock Road
Barry
CF644BU
United Kingdom`

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	base := t.TempDir()

	f := excelize.NewFile()
	template := filepath.Join(base, "template.xlsx")
	require.NoError(t, f.SaveAs(template))
	require.NoError(t, f.Close())

	return config.Settings{
		ClientID:    "client_01",
		DisplayName: "Acme Retail",
		Defaults: config.Defaults{
			Service:  "Standard",
			WeightKg: 1.5,
			Country:  "UNITED KINGDOM",
		},
		Services: []config.ServiceRule{
			{Name: "Next Day", Code: "ND24", Trigger: config.Trigger{Type: "tag", Tag: "URGENT"}},
			{Name: "Standard", Code: "STD", Trigger: config.Trigger{Type: "default"}},
		},
		Mapping: map[string]int{
			"full_name":      1,
			"address_line_1": 2,
			"address_line_2": 3,
			"town_city":      4,
			"county":         5,
			"postcode":       6,
			"country":        7,
			"service":        8,
			"weight_kg":      9,
		},
		TemplatePath: template,
		Folders: config.Folders{
			InTxt:       filepath.Join(base, "IN_TXT"),
			ReadyXlsx:   filepath.Join(base, "READY_XLSX"),
			Archive:     filepath.Join(base, "ARCHIVE"),
			TrackingOut: filepath.Join(base, "TRACKING_OUT"),
			Failures:    filepath.Join(base, "FAILURES"),
		},
	}
}

func request(raw string) pipeline.Request {
	return pipeline.Request{
		ClientID: "client_01",
		RawText:  raw,
		MaxRisk:  ai.RiskLow,
		Source:   "cli",
	}
}

type fakeCorrector struct {
	calls  int
	result ai.Result
	err    error
}

func (f *fakeCorrector) Suggest(context.Context, parser.Record) (ai.Result, error) {
	f.calls++
	return f.result, f.err
}

func TestRunEndToEnd(t *testing.T) {
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	res, err := runner.Run(context.Background(), settings, request(twoBlockInput))
	require.NoError(t, err)

	assert.Equal(t, 2, res.RecordCount)
	assert.Empty(t, res.ParseWarnings)
	assert.Empty(t, res.ValidationFailures)
	assert.FileExists(t, res.OutputXlsx)
	assert.FileExists(t, res.TrackingCSV)
	require.NotEmpty(t, res.ManifestPath)

	raw, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, manifest.SHA256Text(twoBlockInput), m.InputTextSHA256)
	assert.Equal(t, 2, m.RecordCount)
	assert.Equal(t, res.BatchID, m.BatchID)
	assert.Equal(t, map[string]int{"Standard": 2}, m.ServicesUsed)
}

func TestRunDryRunMatchesRealCounts(t *testing.T) {
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	dryReq := request(twoBlockInput)
	dryReq.DryRun = true
	dry, err := runner.Run(context.Background(), settings, dryReq)
	require.NoError(t, err)

	real, err := runner.Run(context.Background(), settings, request(twoBlockInput))
	require.NoError(t, err)

	assert.Equal(t, real.RecordCount, dry.RecordCount)
	assert.Equal(t, real.AISummary, dry.AISummary)
	assert.Empty(t, dry.OutputXlsx)
	assert.Empty(t, dry.ManifestPath)

	// Dry run left nothing on disk.
	entries, err := os.ReadDir(settings.Folders.ReadyXlsx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunMalformedBlockContinues(t *testing.T) {
	raw := "just one line\n\n" + twoBlockInput
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	res, err := runner.Run(context.Background(), settings, request(raw))
	require.NoError(t, err)
	require.Len(t, res.ParseWarnings, 1)
	assert.Equal(t, 1, res.ParseWarnings[0].Block)
	assert.Equal(t, 2, res.RecordCount)
}

func TestRunNoRecords(t *testing.T) {
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	_, err := runner.Run(context.Background(), settings, request("just one line"))
	assert.ErrorIs(t, err, pipeline.ErrNoRecords)
}

func TestRunInvalidMaxRisk(t *testing.T) {
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	req := request(twoBlockInput)
	req.MaxRisk = "reckless"
	_, err := runner.Run(context.Background(), settings, req)
	assert.Error(t, err)
}

func TestRunValidationFailureDropsRecordAndContinues(t *testing.T) {
	raw := "No Postcode Person\nSomewhere House\nTownsville\n\n" + twoBlockInput
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	res, err := runner.Run(context.Background(), settings, request(raw))
	require.NoError(t, err)
	require.Len(t, res.ValidationFailures, 1)
	assert.Equal(t, 1, res.ValidationFailures[0].Record)
	assert.Contains(t, res.ValidationFailures[0].Missing, "postcode")
	assert.Equal(t, 2, res.RecordCount)
}

func TestRunTagMatchAnnotatesRecord(t *testing.T) {
	raw := "Grace O'Neil\nFlat 2 [URGENT]\nStonehaven\nAB53 8HY"
	settings := testSettings(t)
	runner := pipeline.NewRunner(nil, nil, nil, "")

	res, err := runner.Run(context.Background(), settings, request(raw))
	require.NoError(t, err)
	require.Equal(t, 1, res.RecordCount)

	m := readManifest(t, res.ManifestPath)
	assert.Equal(t, map[string]int{"Next Day": 1}, m.ServicesUsed)
}

func TestRunAICallBudget(t *testing.T) {
	// Three records with no country and no client default, each eligible for
	// correction; the budget only pays for two calls.
	raw := "A Person\n1 First Street\nTown\nSW1A 1AA\n\n" +
		"B Person\n2 Second Street\nTown\nM1 1AE\n\n" +
		"C Person\n3 Third Street\nTown\nYO1 7HH"
	settings := testSettings(t)
	settings.Defaults.Country = ""

	fake := &fakeCorrector{result: ai.Result{Risk: ai.RiskLow}}
	runner := pipeline.NewRunner(nil, nil, fake, "")

	req := request(raw)
	req.UseAI = true
	req.MaxAICalls = 2
	res, err := runner.Run(context.Background(), settings, req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecordCount)
	assert.Equal(t, 2, fake.calls)
}

func TestRunAIRiskAboveThresholdFlagsWithoutApplying(t *testing.T) {
	raw := "A Person\n1 First Street\nTown\nSW1A 1AA"
	settings := testSettings(t)
	settings.Defaults.Country = ""

	fake := &fakeCorrector{result: ai.Result{
		Risk: ai.RiskMedium,
		Suggestions: []ai.Suggestion{
			{Field: "country", Proposed: "UNITED KINGDOM", Confidence: 0.8},
		},
	}}
	runner := pipeline.NewRunner(nil, nil, fake, "")

	req := request(raw)
	req.UseAI = true
	req.MaxAICalls = 5
	res, err := runner.Run(context.Background(), settings, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AISummary.Flagged)
	assert.Equal(t, 0, res.AISummary.Applied)
}

func TestRunAIErrorDegradesToUnmodified(t *testing.T) {
	raw := "A Person\n1 First Street\nTown\nSW1A 1AA"
	settings := testSettings(t)
	settings.Defaults.Country = ""

	fake := &fakeCorrector{err: context.DeadlineExceeded}
	runner := pipeline.NewRunner(nil, nil, fake, "")

	req := request(raw)
	req.UseAI = true
	req.MaxAICalls = 5
	res, err := runner.Run(context.Background(), settings, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecordCount)
	assert.Equal(t, 0, res.AISummary.Applied)
	assert.Equal(t, 0, res.AISummary.Flagged)
}

func readManifest(t *testing.T, path string) manifest.Manifest {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}
