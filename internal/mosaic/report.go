package mosaic

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BandStats summarizes the valid samples of one output band
type BandStats struct {
	Band   string  `json:"band"`
	Valid  int     `json:"valid"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Report describes a finished build
type Report struct {
	BuildID       string        `json:"buildId"`
	OutputPath    string        `json:"outputPath"`
	WindowStart   string        `json:"windowStart"`
	WindowEnd     string        `json:"windowEnd"`
	EPSG          int           `json:"epsg"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	GeoTransform  [6]float64    `json:"geoTransform"`
	Scenes        []string      `json:"scenes"`
	Strategy      string        `json:"strategy"`
	SelectedScene string        `json:"selectedScene,omitempty"`
	Tasks         int           `json:"tasks"`
	Fetched       int           `json:"fetched"`
	Retries       int           `json:"retries"`
	CacheHits     int           `json:"cacheHits"`
	Unassigned    int           `json:"unassignedPixels"`
	Coverage      float64       `json:"coverage"`
	Bands         []BandStats   `json:"bands"`
	Duration      time.Duration `json:"duration"`
}

// NewReport summarizes a completed build context
func NewReport(bc *BuildContext, bands []string) *Report {
	aoi := bc.Projection
	r := &Report{
		BuildID:      bc.ID,
		OutputPath:   bc.OutputPath,
		WindowStart:  bc.WindowStart.Format(time.DateOnly),
		WindowEnd:    bc.WindowEnd.Format(time.DateOnly),
		EPSG:         aoi.EPSG,
		Width:        aoi.Dx,
		Height:       aoi.Dy,
		GeoTransform: aoi.Transform.GDAL(),
		Scenes:       bc.Scenes,
		Strategy:     bc.Assignment.Strategy.String(),
		Tasks:        bc.Stats.Tasks,
		Fetched:      bc.Stats.Fetched,
		Retries:      bc.Stats.Retries,
		Unassigned:   bc.Assignment.Unassigned(),
		Duration:     bc.FinishedAt.Sub(bc.StartedAt),
	}
	if bc.Assignment.Scene >= 0 {
		r.SelectedScene = bc.Assignment.Scenes[bc.Assignment.Scene]
	}

	buf := bc.Buffer
	valid := buf.ValidCount()
	r.Coverage = float64(valid) / float64(buf.Dx*buf.Dy)
	for i, name := range bands {
		values := buf.BandValues(i)
		s := BandStats{Band: name, Valid: len(values)}
		if len(values) > 0 {
			s.Mean = stat.Mean(values, nil)
			s.Min = floats.Min(values)
			s.Max = floats.Max(values)
		}
		if len(values) > 1 {
			s.StdDev = stat.StdDev(values, nil)
		}
		r.Bands = append(r.Bands, s)
	}
	return r
}

// WriteFile saves the report as indented JSON
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
