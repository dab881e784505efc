package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/cache"
	"github.com/cdrug/server/internal/config"
	"github.com/cdrug/server/internal/data/assoc"
	"github.com/cdrug/server/internal/jobstore"
	"github.com/cdrug/server/internal/table"
)

type mapRegistry map[string]*Dataset

func (r mapRegistry) Get(id string) *Dataset { return r[id] }

func mustMatrix(t *testing.T, rows, cols []string, data ...float64) *table.Matrix {
	t.Helper()
	m, err := table.NewMatrix(rows, cols, data)
	if err != nil {
		t.Fatalf("NewMatrix: %v", err)
	}
	return m
}

func samples(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s%02d", i)
	}
	return out
}

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	nan := math.NaN()
	ids := samples(12)
	response := mustMatrix(t, []string{"1047;Nutlin-3a (-);v17", "1909;Venetoclax;v17"}, ids,
		2.0, 2.4, 3.1, 3.9, 4.2, 5.1, 5.8, 6.2, 7.1, 7.7, nan, 9.0,
		1.1, 0.2, 1.3, 0.4, 1.5, 0.6, 1.7, 0.8, 1.9, 1.0, 2.1, 1.2,
	)
	screen := mustMatrix(t, []string{"MDM2", "BCL2"}, ids,
		-1.0, -0.8, -0.5, -0.3, 0.0, 0.2, 0.5, 0.6, 0.9, 1.2, 1.3, 1.5,
		0.3, -0.2, 0.1, 0.4, -0.6, 0.2, 0.0, -0.1, 0.5, -0.4, 0.2, 0.1,
	)
	events := mustMatrix(t, []string{"TP53_mut", "gain.cnaPANCAN303", "rare"}, ids,
		1, 1, 0, 1, 0, 1, 0, 1, 1, 0, 1, 0,
		0, 1, 1, 0, 1, 0, 1, 0, 1, 1, 0, 1,
		1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, nan,
	)
	tbl := assoc.New([]assoc.Association{
		{DrugID: "1047", DrugName: "Nutlin-3a (-)", Version: "v17", Gene: "MDM2", Beta: 0.9, FDR: 1e-6, Target: true},
		{DrugID: "1909", DrugName: "Venetoclax", Version: "v17", Gene: "BCL2", Beta: 0.3, FDR: 0.01, Target: true},
	})
	return NewDataset(DatasetConfig{
		ID:           "gdsc",
		Response:     response,
		Screen:       screen,
		Events:       events,
		Associations: tbl,
	})
}

func newTestService(t *testing.T, withCache bool) *AnalysisService {
	t.Helper()
	var cm *cache.Manager
	if withCache {
		var err error
		cm, err = cache.NewManager(cache.Config{ReportCacheSizeMB: 16, ReportTTL: time.Minute, QueryCacheSize: 10})
		if err != nil {
			t.Fatalf("cache: %v", err)
		}
		t.Cleanup(func() { cm.Close() })
	}
	return NewAnalysisService(mapRegistry{"gdsc": testDataset(t)}, analysis.NewAnalyzer(analysis.Options{}), cm)
}

func TestDatasetListings(t *testing.T) {
	ds := testDataset(t)

	if got := ds.Genes(); len(got) != 2 || got[0] != "BCL2" {
		t.Fatalf("unexpected genes: %v", got)
	}
	drugs := ds.Drugs()
	if len(drugs) != 2 || drugs[0].Name != "Nutlin-3a (-)" || drugs[0].Version != "v17" {
		t.Fatalf("unexpected drugs: %+v", drugs)
	}

	events := ds.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Count != 7 || events[2].Count != 1 || events[2].Missing != 1 {
		t.Fatalf("unexpected event counts: %+v", events)
	}

	s := ds.Summary()
	if s.Cohort != 12 || s.Drugs != 2 || s.Events != 3 || s.Associations != 2 || s.ScreenScaled {
		t.Fatalf("unexpected summary: %+v", s)
	}

	k, err := ds.ResolveDrug("Venetoclax")
	if err != nil || k.ID != "1909" {
		t.Fatalf("ResolveDrug: %+v %v", k, err)
	}
}

func TestAnalyze_Cached(t *testing.T) {
	svc := newTestService(t, true)
	ctx := context.Background()
	p := Params{Drug: "Nutlin-3a (-)", Gene: "MDM2", Event: "TP53_mut"}

	first, err := svc.Analyze(ctx, "gdsc", p)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := svc.Analyze(ctx, "gdsc", p)
	if err != nil {
		t.Fatalf("Analyze (cached): %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("expected cached report to match")
	}
	if hits := svc.cache.Stats()["report_cache_hits"]; hits != int64(1) {
		t.Fatalf("expected one cache hit, got %v", hits)
	}

	var report struct {
		Gene    string `json:"gene"`
		Cohort  int    `json:"cohort"`
		Primary struct {
			Dropped []string `json:"dropped"`
		} `json:"primary"`
		Ranked []struct {
			Event string `json:"event"`
		} `json:"ranked"`
		Groups *struct {
			Event string `json:"event"`
		} `json:"groups"`
	}
	if err := json.Unmarshal(first, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Gene != "MDM2" || report.Cohort != 12 || len(report.Ranked) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Primary.Dropped) != 1 || report.Primary.Dropped[0] != "s10" {
		t.Fatalf("unexpected dropped samples: %v", report.Primary.Dropped)
	}
	if report.Groups == nil || report.Groups.Event != "TP53_mut" {
		t.Fatalf("expected groups for TP53_mut, got %+v", report.Groups)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	if _, err := svc.Analyze(ctx, "nope", Params{Drug: "x", Gene: "y"}); !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
	if _, err := svc.Analyze(ctx, "gdsc", Params{Gene: "MDM2"}); !errors.Is(err, analysis.ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
	if _, err := svc.Analyze(ctx, "gdsc", Params{Drug: "Olaparib", Gene: "MDM2"}); !errors.Is(err, analysis.ErrDrugNotFound) {
		t.Fatalf("expected ErrDrugNotFound, got %v", err)
	}
	if _, err := svc.Analyze(ctx, "gdsc", Params{Drug: "Nutlin-3a (-)", Gene: "PARP1"}); !errors.Is(err, analysis.ErrGeneNotFound) {
		t.Fatalf("expected ErrGeneNotFound, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := svc.Report(cancelled, "gdsc", Params{Drug: "Nutlin-3a (-)", Gene: "MDM2"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteJob(t *testing.T) {
	svc := newTestService(t, false)
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	job := &jobstore.Job{
		ID:        "job1",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.JobParams{DatasetID: "gdsc", Drug: "1047;Nutlin-3a (-);v17", Gene: "MDM2", Event: "gain.cnaPANCAN303"},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	if err := svc.ExecuteJob(context.Background(), store, "job1"); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	got, _ := store.GetJob("job1")
	if got.Cohort != 12 || got.Used != 11 {
		t.Fatalf("unexpected counts: cohort=%d used=%d", got.Cohort, got.Used)
	}
	if got.Progress.Phase != PhaseSaving || got.Progress.Done != got.Progress.Total {
		t.Fatalf("unexpected final progress: %+v", got.Progress)
	}

	events, total, err := store.QueryEvents("job1", "", 0, 10)
	if err != nil || total != 2 {
		t.Fatalf("unexpected events: %d %v", total, err)
	}
	if events[0].MeanResidual > events[1].MeanResidual {
		t.Fatalf("events not ranked ascending: %v > %v", events[0].MeanResidual, events[1].MeanResidual)
	}

	residuals, total, err := store.QueryResiduals("job1", "", 0, 100)
	if err != nil || total != 11 {
		t.Fatalf("unexpected residuals: %d %v", total, err)
	}
	for _, r := range residuals {
		if math.Abs(float64(r.Observed)-float64(r.Fitted)-float64(r.Residual)) > 1e-9 {
			t.Fatalf("observed != fitted + residual for %s", r.Sample)
		}
	}

	var sec SecondarySummary
	if ok, err := store.LoadSummary("job1", jobstore.SummarySecondary, &sec); err != nil || !ok {
		t.Fatalf("secondary summary: %v %v", ok, err)
	}
	if sec.Events != 3 || len(sec.Coefficients) != 4 {
		t.Fatalf("unexpected secondary summary: %+v", sec)
	}
	var groups analysis.EventGroups
	if ok, _ := store.LoadSummary("job1", jobstore.SummaryGroups, &groups); !ok || groups.Event != "gain.cnaPANCAN303" {
		t.Fatalf("unexpected groups summary: %+v", groups)
	}
}

func TestExecuteJob_Cancelled(t *testing.T) {
	svc := newTestService(t, false)
	store, err := jobstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	job := &jobstore.Job{
		ID:        "job1",
		Status:    jobstore.JobStatusQueued,
		Params:    jobstore.JobParams{DatasetID: "gdsc", Drug: "Nutlin-3a (-)", Gene: "MDM2"},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.ExecuteJob(ctx, store, "job1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, total, _ := store.QueryEvents("job1", "", 0, 10); total != 0 {
		t.Fatalf("cancelled job should not save events, got %d", total)
	}
}

func TestRunBatch(t *testing.T) {
	svc := newTestService(t, false)
	pairs := []Params{
		{Drug: "Nutlin-3a (-)", Gene: "MDM2"},
		{Drug: "Venetoclax", Gene: "BCL2"},
		{Drug: "Olaparib", Gene: "PARP1"},
		{Drug: "Nutlin-3a (-)", Gene: "BCL2", MinSupport: 1},
	}
	results, err := svc.RunBatch(context.Background(), "gdsc", pairs, 3)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(results) != len(pairs) {
		t.Fatalf("expected %d results, got %d", len(pairs), len(results))
	}
	for i, r := range results {
		if r.Params != pairs[i] {
			t.Fatalf("result %d out of order: %+v", i, r.Params)
		}
	}
	if results[0].Err != nil || results[0].Report.Gene != "MDM2" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if !errors.Is(results[2].Err, analysis.ErrDrugNotFound) {
		t.Fatalf("expected ErrDrugNotFound, got %v", results[2].Err)
	}
	if results[3].Err != nil || len(results[3].Report.Ranked) != 3 {
		t.Fatalf("expected rare event with support 1: %+v", results[3])
	}

	if _, err := svc.RunBatch(context.Background(), "nope", pairs, 2); !errors.Is(err, ErrDatasetNotFound) {
		t.Fatalf("expected ErrDatasetNotFound, got %v", err)
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	cfg := config.DatasetConfig{
		Name: "toy",
		DrugResponse: write("drug.tsv", strings.Join([]string{
			"DRUG_ID\tDRUG_NAME\tVERSION\ta\tb\tc",
			"1\tX\tv1\t1\t2\t3",
		}, "\n")),
		DrugIndexColumns: 3,
		Screen: write("crispr.tsv", strings.Join([]string{
			"gene\ta\tb\tc",
			"E1\t-2\t-2\t-2",
			"N1\t0\t0\t0",
			"G\t-1\t0\t1",
		}, "\n")),
		Events:            write("events.csv", "event,a,b,c\nE,1,0,1\n"),
		EssentialGenes:    write("essential.txt", "E1\n"),
		NonEssentialGenes: write("nonessential.txt", "N1\n"),
		Associations:      write("lm.csv", "DRUG_ID_lib,DRUG_NAME,VERSION,GeneSymbol,beta,pval,fdr,target\n1,X,v1,G,0.5,0.01,0.02,1\n"),
	}

	ds, err := LoadDataset("toy", cfg)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	s := ds.Summary()
	if s.Name != "toy" || s.Cohort != 3 || !s.ScreenScaled || s.Associations != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	g, err := ds.Inputs().Screen.Row("G")
	if err != nil {
		t.Fatal(err)
	}
	// scaled = (x - 0) / (0 - -2)
	if v, _ := g.Value("c"); v != 0.5 {
		t.Fatalf("expected scaled value 0.5, got %v", v)
	}

	cfg.Screen = filepath.Join(dir, "missing.tsv")
	if _, err := LoadDataset("toy", cfg); err == nil {
		t.Fatal("expected error for missing screen file")
	}
}
