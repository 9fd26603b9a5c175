package geo

import "github.com/paulmach/orb"

// box：测试用包围盒表项
func box(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

// rect：以闭合矩形环表达的记录
func rect(id string, minX, minY, maxX, maxY float64) Record {
	ring := []any{
		[]any{minX, minY}, []any{maxX, minY}, []any{maxX, maxY}, []any{minX, maxY}, []any{minX, minY},
	}
	return Record{
		Properties: map[string]any{DefaultKeyField: id},
		Geometry:   &Geometry{Type: "Polygon", Coordinates: []any{ring}},
	}
}
