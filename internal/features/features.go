// Package features loads the clickable point features drawn over the map.
package features

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature is a named point a rider can pick instead of a free click.
type Feature struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Collection keeps point features in file order. Non-point geometries are
// skipped.
type Collection struct {
	fc   *geojson.FeatureCollection
	list []Feature
	byID map[string]Feature
}

func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Collection, error) {
	in, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	c := &Collection{fc: geojson.NewFeatureCollection(), byID: make(map[string]Feature)}
	for i, f := range in.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		id := fmt.Sprint(f.ID)
		if f.ID == nil {
			id = f.Properties.MustString("id", fmt.Sprintf("feature-%d", i))
		}
		feat := Feature{
			ID:   id,
			Name: f.Properties.MustString("name", ""),
			Lat:  pt.Lat(),
			Lng:  pt.Lon(),
		}
		c.list = append(c.list, feat)
		c.byID[id] = feat
		c.fc.Append(f)
	}
	return c, nil
}

// Empty is used when no feature file is configured.
func Empty() *Collection {
	return &Collection{fc: geojson.NewFeatureCollection(), byID: make(map[string]Feature)}
}

func (c *Collection) Get(id string) (Feature, bool) {
	f, ok := c.byID[id]
	return f, ok
}

func (c *Collection) List() []Feature { return append([]Feature(nil), c.list...) }

func (c *Collection) Len() int { return len(c.list) }

// GeoJSON renders the point features as a FeatureCollection.
func (c *Collection) GeoJSON() ([]byte, error) { return c.fc.MarshalJSON() }
