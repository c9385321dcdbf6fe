package address_test

import "fmt"

// One unit address in Townsville: U36/148 Walker Street, lot 36 on
// BUP71012, address_pid 10127. The property name is unbound in the base
// row so tests can splice it in to change the row between runs.
const (
	addrIRI = "https://linked.data.gov.au/dataset/qld-addr/addr/7a029d89"
	addrPID = 10127

	concatenated = "U36/148 Walker Street Townsville City QLD"
)

const iriBody = `{"head": {"vars": ["iri", "start_time"]}, "results": {"bindings": [
	{"iri": {"type": "uri", "value": "` + addrIRI + `"},
	 "start_time": {"type": "literal", "value": "2014-01-14T00:00:00+10:00"}}
]}}`

// rowsBodyWith renders the row-fetch response, splicing extra bindings
// into the solution.
func rowsBodyWith(extra string) string {
	return fmt.Sprintf(`{"head": {"vars": ["iri", "name", "lot", "plan", "unit_number", "unit_type", "street_number", "street_name", "street_type", "state", "street_suffix", "unit_suffix", "floor_type", "floor_number", "floor_suffix", "property_name", "street_no_1", "street_no_1_suffix", "street_no_2", "street_no_2_suffix", "street_full", "locality", "local_authority", "address_status", "address_standard", "lotplan_status", "address_pid"]}, "results": {"bindings": [
	{"iri": {"type": "uri", "value": "%s"},
	 "name": {"type": "literal", "value": "36/148 Walker Street"},
	 "lot": {"type": "literal", "value": "36"},
	 "plan": {"type": "literal", "value": "BUP71012"},
	 "unit_number": {"type": "literal", "value": "36"},
	 "unit_type": {"type": "literal", "value": "U"},
	 "street_number": {"type": "literal", "value": "148"},
	 "street_name": {"type": "literal", "value": "WALKER"},
	 "street_type": {"type": "literal", "value": "Street"},
	 "state": {"type": "literal", "value": "QLD"},
	 %s"street_no_1": {"type": "literal", "value": "148"},
	 "street_full": {"type": "literal", "value": "Walker Street"},
	 "locality": {"type": "literal", "value": "Townsville City"},
	 "local_authority": {"type": "literal", "value": "TOWNSVILLE CITY"},
	 "address_status": {"type": "literal", "value": "P"},
	 "address_standard": {"type": "literal", "value": "QSAS"},
	 "lotplan_status": {"type": "literal", "value": "C"},
	 "address_pid": {"type": "literal", "value": "10127"}}
]}}`, addrIRI, extra)
}

var rowsBody = rowsBodyWith("")
