package pls_test

import "fmt"

// One consistent miniature graph: two authorities, one locality, one road,
// one parcel carrying one named address. Every derived id matches what the
// extraction queries would concatenate, so foreign-key checks pass on the
// extracted snapshot.
const (
	parcelIRI = "https://linked.data.gov.au/dataset/qld-addr/parcel/1RP71908"
	addrIRI   = "https://linked.data.gov.au/dataset/qld-addr/addr/7a029d89"
	roadIRI   = "https://linked.data.gov.au/dataset/qld-addr/rn/b9e0"
	pnIRI     = "https://linked.data.gov.au/dataset/qld-addr/gn/pn-1"

	roadID      = roadIRI + "/L_TWMBA/MAIN"
	siteID      = parcelIRI + "|" + addrIRI
	addrID      = addrIRI + "/" + roadID + "/" + parcelIRI
	placeNameID = pnIRI + "|" + parcelIRI + "|" + addrIRI
)

const localAuthBody = `{"head": {"vars": ["la_code", "lga_name"]}, "results": {"bindings": [
	{"la_code": {"type": "literal", "value": "1"}, "lga_name": {"type": "literal", "value": "BRISBANE CITY"}},
	{"la_code": {"type": "literal", "value": "66"}, "lga_name": {"type": "literal", "value": "TOOWOOMBA REGIONAL"}}
]}}`

const localityBody = `{"head": {"vars": ["locality_code", "locality_name", "locality_type", "la_code", "state", "status"]}, "results": {"bindings": [
	{"locality_code": {"type": "literal", "value": "L_TWMBA"},
	 "locality_name": {"type": "literal", "value": "TOOWOOMBA CITY"},
	 "locality_type": {"type": "literal", "value": "SUB"},
	 "la_code": {"type": "literal", "value": "66"},
	 "state": {"type": "literal", "value": "QLD"},
	 "status": {"type": "literal", "value": "P"}}
]}}`

var roadBody = fmt.Sprintf(`{"head": {"vars": ["road_id", "road_name", "road_name_suffix", "road_name_type", "locality_code", "road_cat_desc"]}, "results": {"bindings": [
	{"road_id": {"type": "literal", "value": "%s"},
	 "road_name": {"type": "literal", "value": "MAIN"},
	 "road_name_type": {"type": "literal", "value": "ST"},
	 "locality_code": {"type": "literal", "value": "L_TWMBA"},
	 "road_cat_desc": {"type": "literal", "value": "P"}}
]}}`, roadID)

var parcelBody = fmt.Sprintf(`{"head": {"vars": ["parcel_id", "plan_no", "lot_no"]}, "results": {"bindings": [
	{"parcel_id": {"type": "uri", "value": "%s"},
	 "plan_no": {"type": "literal", "value": "RP71908"},
	 "lot_no": {"type": "literal", "value": "1"}}
]}}`, parcelIRI)

var siteBody = fmt.Sprintf(`{"head": {"vars": ["site_id", "parent_site_id", "site_type", "parcel_id"]}, "results": {"bindings": [
	{"site_id": {"type": "literal", "value": "%s"},
	 "site_type": {"type": "literal", "value": "P"},
	 "parcel_id": {"type": "uri", "value": "%s"}}
]}}`, siteID, parcelIRI)

var placeNameKeysBody = fmt.Sprintf(`{"head": {"vars": ["parcel_id", "addr_iri"]}, "results": {"bindings": [
	{"parcel_id": {"type": "uri", "value": "%s"},
	 "addr_iri": {"type": "uri", "value": "%s"}}
]}}`, parcelIRI, addrIRI)

var placeNameRowsBody = fmt.Sprintf(`{"head": {"vars": ["place_name_id", "pl_name_status_code", "pl_name_type_code", "pl_name", "site_id"]}, "results": {"bindings": [
	{"place_name_id": {"type": "literal", "value": "%s"},
	 "pl_name_status_code": {"type": "literal", "value": "P"},
	 "pl_name_type_code": {"type": "literal", "value": "PROP"},
	 "pl_name": {"type": "literal", "value": "ROSE COTTAGE"},
	 "site_id": {"type": "literal", "value": "%s"}}
]}}`, placeNameID, siteID)

// The second key misses its road name binding and must be skipped.
var addressKeysBody = fmt.Sprintf(`{"head": {"vars": ["addr_iri", "parcel_id", "road", "locality_code", "_road_name"]}, "results": {"bindings": [
	{"addr_iri": {"type": "uri", "value": "%s"},
	 "parcel_id": {"type": "uri", "value": "%s"},
	 "road": {"type": "uri", "value": "%s"},
	 "locality_code": {"type": "literal", "value": "L_TWMBA"},
	 "_road_name": {"type": "literal", "value": "Main"}},
	{"addr_iri": {"type": "uri", "value": "https://linked.data.gov.au/dataset/qld-addr/addr/incomplete"},
	 "parcel_id": {"type": "uri", "value": "%s"},
	 "road": {"type": "uri", "value": "%s"},
	 "locality_code": {"type": "literal", "value": "L_TWMBA"}}
]}}`, addrIRI, parcelIRI, roadIRI, parcelIRI, roadIRI)

var addressRowsBody = fmt.Sprintf(`{"head": {"vars": ["parcel_id", "addr_id", "address_pid", "addr_status_code", "street_no_first", "road_id", "site_id", "address_standard"]}, "results": {"bindings": [
	{"parcel_id": {"type": "uri", "value": "%s"},
	 "addr_id": {"type": "literal", "value": "%s"},
	 "address_pid": {"type": "literal", "value": "10127"},
	 "addr_status_code": {"type": "literal", "value": "P"},
	 "street_no_first": {"type": "literal", "value": "12"},
	 "road_id": {"type": "literal", "value": "%s"},
	 "site_id": {"type": "literal", "value": "%s"},
	 "address_standard": {"type": "literal", "value": "QSAS"}}
]}}`, parcelIRI, addrID, roadID, siteID)
