// Package esri talks to ArcGIS-style feature services: token generation,
// layer queries with offset pagination, and applyEdits batches.
package esri

// WKIDGDA94 is the GDA94 spatial reference all published geometries use.
const WKIDGDA94 = 4283

type SpatialReference struct {
	WKID int `json:"wkid"`
}

// Geometry is a point in layer coordinates. X is longitude, Y latitude.
type Geometry struct {
	X                float64          `json:"x"`
	Y                float64          `json:"y"`
	Z                *float64         `json:"z,omitempty"`
	SpatialReference SpatialReference `json:"spatialReference"`
}

// Point builds a GDA94 point geometry from longitude and latitude.
func Point(lon, lat float64) *Geometry {
	return &Geometry{X: lon, Y: lat, SpatialReference: SpatialReference{WKID: WKIDGDA94}}
}

// PointZ is Point with an explicit elevation, for layers that require one.
func PointZ(lon, lat, z float64) *Geometry {
	g := Point(lon, lat)
	g.Z = &z
	return g
}

type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Geometry      `json:"geometry,omitempty"`
}

// APIError is the error object feature services embed in otherwise
// successful responses. Code 498 means the token was rejected.
type APIError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

const tokenRejectedCode = 498

type QueryResult struct {
	Count     *int      `json:"count,omitempty"`
	Features  []Feature `json:"features"`
	ObjectIDs []int64   `json:"objectIds"`
	Error     *APIError `json:"error,omitempty"`
}

type EditOutcome struct {
	ObjectID int64 `json:"objectId"`
	Success  bool  `json:"success"`
}

type EditResult struct {
	AddResults    []EditOutcome `json:"addResults"`
	UpdateResults []EditOutcome `json:"updateResults"`
	DeleteResults []EditOutcome `json:"deleteResults"`
	Error         *APIError     `json:"error,omitempty"`
}
