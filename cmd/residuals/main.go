// Residuals runs residual association analyses from the command line, for one
// drug and gene or for a batch of pairs read from a file or selected from the
// dataset's association table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/config"
	"github.com/cdrug/server/internal/data/assoc"
	"github.com/cdrug/server/internal/service"
)

type singleRegistry struct{ ds *service.Dataset }

func (r singleRegistry) Get(id string) *service.Dataset {
	if r.ds != nil && r.ds.ID() == id {
		return r.ds
	}
	return nil
}

func main() {
	var (
		configPath string
		datasetID  string
		drug       string
		gene       string
		event      string
		pairsFile  string
		minBeta    float64
		maxFDR     float64
		targetOnly bool
		minSupport int
		workers    int
		topEvents  int
	)

	flag.StringVar(&configPath, "config", "config/server.yaml", "Path to configuration file.")
	flag.StringVar(&datasetID, "dataset", "", "Dataset id. Defaults to the first dataset of the configuration.")
	flag.StringVar(&drug, "drug", "", "Drug key (id;name;version), name or id. Requires -gene.")
	flag.StringVar(&gene, "gene", "", "Gene symbol of the screen score.")
	flag.StringVar(&event, "event", "", "Optional. Event whose affected and unaffected residuals are summarized.")
	flag.StringVar(&pairsFile, "pairs", "", "Optional. File of drug and gene pairs, one per line. Without -drug and -pairs, pairs come from the association table.")
	flag.Float64Var(&minBeta, "min-beta", 0, "Keep associations with beta above this value. 0 disables the filter.")
	flag.Float64Var(&maxFDR, "max-fdr", 0, "Keep associations with FDR at or below this value. 0 disables the filter.")
	flag.BoolVar(&targetOnly, "target-only", false, "Keep only associations where the gene is a nominal drug target.")
	flag.IntVar(&minSupport, "min-support", 0, "Minimum affected samples for an event to be ranked. 0 uses the configured value.")
	flag.IntVar(&workers, "workers", 0, "Pairs analysed in parallel. 0 uses the configured value.")
	flag.IntVar(&topEvents, "top", 10, "Ranked events printed from each end of the ranking. 0 prints all.")
	flag.Parse()

	if (drug == "") != (gene == "") {
		flag.PrintDefaults()
		log.Fatalln("-drug and -gene must be given together")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if datasetID == "" {
		datasetID = cfg.Data.DefaultDataset
	}
	dsCfg, ok := cfg.Data.Dataset(datasetID)
	if !ok {
		log.Fatalf("Unknown dataset %q (configured: %v)", datasetID, cfg.Data.DatasetIDs())
	}
	if workers <= 0 {
		workers = cfg.Analysis.BatchWorkers
	}

	ds, err := service.LoadDataset(datasetID, dsCfg)
	if err != nil {
		log.Fatalln(err)
	}

	var pairs []service.Params
	switch {
	case drug != "":
		pairs = []service.Params{{Drug: drug, Gene: gene}}
	case pairsFile != "":
		if pairs, err = ReadPairs(pairsFile); err != nil {
			log.Fatalln(err)
		}
	default:
		tbl := ds.Associations()
		if tbl == nil {
			log.Fatalf("Dataset %q has no association table; use -drug/-gene or -pairs", datasetID)
		}
		pairs = AssociationPairs(tbl, assoc.Filter{TargetOnly: targetOnly, MinBeta: minBeta, MaxFDR: maxFDR})
	}
	if len(pairs) == 0 {
		log.Fatalln("No pairs to analyse")
	}
	for i := range pairs {
		pairs[i].Event = event
		pairs[i].MinSupport = minSupport
	}
	log.Printf("Analysing %d pair(s) on %s with %d worker(s)", len(pairs), datasetID, workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	analyzer := analysis.NewAnalyzer(analysis.Options{MinSupport: cfg.Analysis.MinSupport})
	svc := service.NewAnalysisService(singleRegistry{ds}, analyzer, nil)
	results, err := svc.RunBatch(ctx, datasetID, pairs, workers)
	if err != nil {
		log.Fatalln(err)
	}

	failed := 0
	for i, res := range results {
		if i > 0 {
			fmt.Println()
		}
		if res.Err != nil {
			failed++
			fmt.Printf("## %s ~ %s: %v\n", res.Params.Drug, res.Params.Gene, res.Err)
			continue
		}
		if err := WriteReport(os.Stdout, res.Report, topEvents); err != nil {
			log.Fatalln(err)
		}
	}
	if failed == len(results) {
		os.Exit(1)
	}
}
