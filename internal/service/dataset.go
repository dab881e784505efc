// Package service provides business logic for the residual analysis server.
package service

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/cdrug/server/internal/analysis"
	"github.com/cdrug/server/internal/config"
	"github.com/cdrug/server/internal/data/assoc"
	"github.com/cdrug/server/internal/data/tabfile"
	"github.com/cdrug/server/internal/table"
)

// DatasetConfig contains the loaded inputs of one dataset.
type DatasetConfig struct {
	ID           string
	Name         string
	Response     *table.Matrix
	Screen       *table.Matrix
	Events       *table.Matrix
	Associations *assoc.Table
	// ScaledScreen replaces Screen in analyses when set.
	ScaledScreen *table.Matrix
}

// Dataset holds the matrices of one dataset and serves listings over them.
type Dataset struct {
	id           string
	name         string
	response     *table.Matrix
	screen       *table.Matrix
	scaled       *table.Matrix
	events       *table.Matrix
	associations *assoc.Table

	cohortOnce sync.Once
	cohort     []string
	cohortErr  error

	eventsOnce sync.Once
	eventInfo  []EventInfo
}

// EventInfo describes one event row over the dataset cohort.
type EventInfo struct {
	Event   string `json:"event"`
	Count   int    `json:"count"`
	Missing int    `json:"missing"`
}

// DatasetSummary is the overview returned by the summary endpoint.
type DatasetSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Drugs           int    `json:"drugs"`
	Genes           int    `json:"genes"`
	Events          int    `json:"events"`
	ResponseSamples int    `json:"response_samples"`
	ScreenSamples   int    `json:"screen_samples"`
	EventSamples    int    `json:"event_samples"`
	Cohort          int    `json:"cohort"`
	ScreenScaled    bool   `json:"screen_scaled"`
	Associations    int    `json:"associations"`
}

// NewDataset creates a dataset from loaded matrices.
func NewDataset(cfg DatasetConfig) *Dataset {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Dataset{
		id:           cfg.ID,
		name:         name,
		response:     cfg.Response,
		screen:       cfg.Screen,
		scaled:       cfg.ScaledScreen,
		events:       cfg.Events,
		associations: cfg.Associations,
	}
}

// LoadDataset reads the files of a configured dataset.
func LoadDataset(id string, cfg config.DatasetConfig) (*Dataset, error) {
	log.Printf("[Dataset %s] loading drug response from %s", id, cfg.DrugResponse)
	response, err := tabfile.ReadMatrix(cfg.DrugResponse, tabfile.Options{IndexColumns: cfg.DrugIndexColumns})
	if err != nil {
		return nil, fmt.Errorf("drug response: %w", err)
	}

	log.Printf("[Dataset %s] loading screen from %s", id, cfg.Screen)
	screen, err := tabfile.ReadMatrix(cfg.Screen, tabfile.Options{})
	if err != nil {
		return nil, fmt.Errorf("screen: %w", err)
	}

	log.Printf("[Dataset %s] loading events from %s", id, cfg.Events)
	events, err := tabfile.ReadMatrix(cfg.Events, tabfile.Options{})
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	dc := DatasetConfig{
		ID:       id,
		Name:     cfg.Name,
		Response: response,
		Screen:   screen,
		Events:   events,
	}

	if cfg.EssentialGenes != "" && cfg.NonEssentialGenes != "" {
		essential, err := tabfile.ReadGeneList(cfg.EssentialGenes)
		if err != nil {
			return nil, fmt.Errorf("essential genes: %w", err)
		}
		nonEssential, err := tabfile.ReadGeneList(cfg.NonEssentialGenes)
		if err != nil {
			return nil, fmt.Errorf("non-essential genes: %w", err)
		}
		scaled, err := analysis.ScaleScreen(screen, essential, nonEssential)
		if err != nil {
			return nil, fmt.Errorf("scale screen: %w", err)
		}
		dc.ScaledScreen = scaled
		log.Printf("[Dataset %s] screen scaled with %d essential and %d non-essential genes", id, len(essential), len(nonEssential))
	}

	if cfg.Associations != "" {
		tbl, err := assoc.Read(cfg.Associations)
		if err != nil {
			return nil, fmt.Errorf("associations: %w", err)
		}
		dc.Associations = tbl
		log.Printf("[Dataset %s] loaded %d associations", id, tbl.Len())
	}

	ds := NewDataset(dc)
	drugs, _ := response.Dims()
	genes, _ := screen.Dims()
	nEvents, _ := events.Dims()
	log.Printf("[Dataset %s] %d drugs, %d genes, %d events", id, drugs, genes, nEvents)
	return ds, nil
}

// ID returns the dataset id.
func (d *Dataset) ID() string { return d.id }

// Name returns the display name.
func (d *Dataset) Name() string { return d.name }

// Inputs returns the analysis inputs, using the scaled screen when available.
func (d *Dataset) Inputs() analysis.Inputs {
	screen := d.screen
	if d.scaled != nil {
		screen = d.scaled
	}
	return analysis.Inputs{Response: d.response, Screen: screen, Events: d.events}
}

// Associations returns the association table, or nil if none is configured.
func (d *Dataset) Associations() *assoc.Table { return d.associations }

// Cohort returns the samples shared by all three matrices.
func (d *Dataset) Cohort() ([]string, error) {
	d.cohortOnce.Do(func() {
		d.cohort, d.cohortErr = analysis.Cohort(d.Inputs())
	})
	return d.cohort, d.cohortErr
}

// Drugs returns the drug keys of the response matrix in file order.
func (d *Dataset) Drugs() []analysis.DrugKey {
	rows := d.response.Rows()
	out := make([]analysis.DrugKey, 0, len(rows))
	for _, r := range rows {
		k, err := analysis.ParseDrugKey(r)
		if err != nil {
			k = analysis.DrugKey{ID: r}
		}
		out = append(out, k)
	}
	return out
}

// ResolveDrug finds a drug by full key, name or id.
func (d *Dataset) ResolveDrug(ref string) (analysis.DrugKey, error) {
	if !strings.Contains(ref, analysis.KeySep) && d.response.HasRow(ref) {
		return analysis.DrugKey{ID: ref}, nil
	}
	return analysis.ResolveDrug(d.response, ref)
}

// Genes returns the screened genes, sorted.
func (d *Dataset) Genes() []string {
	genes := d.screen.Rows()
	sort.Strings(genes)
	return genes
}

// Events returns every event with its support over the cohort.
func (d *Dataset) Events() []EventInfo {
	d.eventsOnce.Do(func() {
		cohort, err := d.Cohort()
		if err != nil {
			cohort = d.events.Columns()
		}
		z := d.events.RestrictColumns(cohort)
		rows := z.Rows()
		d.eventInfo = make([]EventInfo, len(rows))
		for i, ev := range rows {
			info := EventInfo{Event: ev}
			for j := range cohort {
				switch v := z.At(i, j); {
				case v == 1:
					info.Count++
				case v != 0:
					info.Missing++
				}
			}
			d.eventInfo[i] = info
		}
	})
	return append([]EventInfo(nil), d.eventInfo...)
}

// Summary returns dataset counts.
func (d *Dataset) Summary() DatasetSummary {
	drugs, rs := d.response.Dims()
	genes, ss := d.screen.Dims()
	events, es := d.events.Dims()
	cohort, _ := d.Cohort()
	s := DatasetSummary{
		ID:              d.id,
		Name:            d.name,
		Drugs:           drugs,
		Genes:           genes,
		Events:          events,
		ResponseSamples: rs,
		ScreenSamples:   ss,
		EventSamples:    es,
		Cohort:          len(cohort),
		ScreenScaled:    d.scaled != nil,
	}
	if d.associations != nil {
		s.Associations = d.associations.Len()
	}
	return s
}
