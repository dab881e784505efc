package api

import (
	"github.com/cdrug/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DatasetRegistry holds the loaded datasets.
type DatasetRegistry struct {
	datasets       map[string]*service.Dataset
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		datasets:       make(map[string]*service.Dataset),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a dataset. Datasets missing from the configured order are appended to it.
func (r *DatasetRegistry) Register(datasetID string, ds *service.Dataset) {
	if _, ok := r.datasets[datasetID]; !ok && !contains(r.datasetOrder, datasetID) {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.datasets[datasetID] = ds
	if r.defaultDataset == "" {
		r.defaultDataset = datasetID
	}
}

// Get returns the dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Dataset {
	return r.datasets[datasetID]
}

// Default returns the default dataset.
func (r *DatasetRegistry) Default() *service.Dataset {
	return r.datasets[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns the registered dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	ids := make([]string, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		if _, ok := r.datasets[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Drug residual associations"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	ids := r.DatasetIDs()
	infos := make([]DatasetInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, DatasetInfo{
			ID:   id,
			Name: r.datasets[id].Name(),
		})
	}
	return infos
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
