package locate

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeoJSON export of the estimation scene in the local planar frame (meters).
// Receivers become Point features, located sources become Point features
// carrying the fitted parameters, and each inlier reading contributes a
// LineString linking its receiver to the estimate.

// SceneToGeoJSON builds a FeatureCollection for a set of receivers and
// located sources. The per-source reading lists are keyed by source ID and
// used for the inlier link features; nil is allowed.
func SceneToGeoJSON(receivers []ReceiverConfig, located []*LocatedSource, readings map[string][]Reading) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i := range receivers {
		rc := &receivers[i]
		f := geojson.NewFeature(planarPoint(rc.Position))
		f.ID = rc.ID
		f.Properties["type"] = "receiver"
		f.Properties["id"] = rc.ID
		if len(rc.Position) == 3 {
			f.Properties["z"] = rc.Position[2]
		}
		fc.Append(f)
	}

	for _, ls := range located {
		if ls == nil || ls.Solution.Position == nil {
			continue
		}
		f := geojson.NewFeature(planarPoint(ls.Solution.Position))
		f.ID = ls.Source.ID
		f.Properties["type"] = "source"
		f.Properties["id"] = ls.Source.ID
		f.Properties["kind"] = string(ls.Source.Kind)
		f.Properties["readings"] = ls.Readings
		if len(ls.Solution.Position) == 3 {
			f.Properties["z"] = ls.Solution.Position[2]
		}
		if ls.Solution.Power != nil {
			f.Properties["power"] = *ls.Solution.Power
		}
		if ls.Solution.Exponent != nil {
			f.Properties["exponent"] = *ls.Solution.Exponent
		}
		if ls.Inliers != nil {
			f.Properties["inliers"] = ls.Inliers.NumInliers
			f.Properties["cost"] = ls.Inliers.BestCost
		}
		fc.Append(f)

		appendInlierLinks(fc, ls, readings[ls.Source.ID])
	}

	return fc
}

// appendInlierLinks emits one LineString per masked-in reading from its
// receiver position to the estimate.
func appendInlierLinks(fc *geojson.FeatureCollection, ls *LocatedSource, readings []Reading) {
	if ls.Inliers == nil || len(readings) != len(ls.Inliers.Mask) {
		return
	}
	target := planarPoint(ls.Solution.Position)
	for i, rd := range readings {
		if !ls.Inliers.Mask[i] {
			continue
		}
		line := orb.LineString{planarPoint(rd.Position), target}
		f := geojson.NewFeature(line)
		f.Properties["type"] = "inlier-link"
		f.Properties["source"] = ls.Source.ID
		if rd.Distance != nil {
			f.Properties["distance"] = *rd.Distance
		}
		if rd.RSSI != nil {
			f.Properties["rssi"] = *rd.RSSI
		}
		fc.Append(f)
	}
}

// MarshalScene renders the collection as indented JSON, ready for an HTTP
// response or a file export.
func MarshalScene(fc *geojson.FeatureCollection) ([]byte, error) {
	raw, err := fc.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf json.RawMessage = raw
	return json.MarshalIndent(buf, "", "  ")
}

func planarPoint(position []float64) orb.Point {
	p := orb.Point{}
	if len(position) > 0 {
		p[0] = position[0]
	}
	if len(position) > 1 {
		p[1] = position[1]
	}
	return p
}
