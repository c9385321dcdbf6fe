package pls

import (
	"fmt"

	"github.com/qldspatial/address-etl/internal/sparql"
)

// debugParcelValues narrows a query to a fixed set of parcels small
// enough to run the whole pipeline against in minutes.
const debugParcelValues = `
    VALUES ?parcel_id {
        <https://linked.data.gov.au/dataset/qld-addr/parcel/59SP217152>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/58SP217152>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/57SP217152>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/2SP217150>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/1SP217150>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/0SP217149>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/2SP217149>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/1SP217149>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/17SP217147>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/16SP217147>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/235RP33643>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/1SP101578>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/2RP141728>
        <https://linked.data.gov.au/dataset/qld-addr/parcel/41SP317569>
    }
`

func debugFilter(debug bool) string {
	if debug {
		return debugParcelValues
	}
	return ""
}

// localAuthQuery lists every local government authority that names a
// locality, keyed by its LALF authority code.
const localAuthQuery = `PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX gn: <https://linked.data.gov.au/def/gn/>
PREFIX sdo: <https://schema.org/>

SELECT DISTINCT ?la_code ?lga_name
WHERE {
    GRAPH <urn:qali:graph:geographical-names> {
        ?iri a gn:GeographicalName ;
            cn:isNameFor ?geographic_object .

        ?geographic_object sdo:additionalType <https://linked.data.gov.au/def/go-categories/locality> .

        ?iri sdo:additionalProperty [
            sdo:propertyID "lalf.la_code" ;
            sdo:value ?la_code
        ] ,
        [
            sdo:propertyID "pndb.lga_name" ;
            sdo:value ?lga_name
        ]
    }
}`

// localityQuery lists every locality with its LALF attributes and PNDB
// status.
const localityQuery = `PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX gn: <https://linked.data.gov.au/def/gn/>
PREFIX sdo: <https://schema.org/>

SELECT ?locality_code ?locality_name ?locality_type ?la_code ?state ?status
WHERE {
    GRAPH <urn:qali:graph:geographical-names> {
        ?iri a gn:GeographicalName ;
            cn:isNameFor ?geographic_object .

        ?geographic_object sdo:additionalType <https://linked.data.gov.au/def/go-categories/locality> .

        ?iri sdo:additionalProperty [
            sdo:propertyID "lalf.locality_code" ;
            sdo:value ?locality_code
        ],
        [
            sdo:propertyID "lalf.locality_name" ;
            sdo:value ?locality_name
        ],
        [
            sdo:propertyID "lalf.locality_type" ;
            sdo:value ?locality_type
        ],
        [
            sdo:propertyID "lalf.la_code" ;
            sdo:value ?la_code
        ],
        [
            sdo:propertyID "lalf.state" ;
            sdo:value ?state
        ],
        [
            sdo:propertyID "pndb.status" ;
            sdo:value ?status
        ]
    }
}`

// roadQuery lists the roads referenced by any address. A road has no IRI
// of its own in the service, so road_id concatenates the road IRI, the
// locality code and the upper-cased name.
const roadQuery = `PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX rnpt: <https://linked.data.gov.au/def/road-name-part-types/>
PREFIX sdo: <https://schema.org/>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>

SELECT DISTINCT (CONCAT(STR(?road), "/", ?locality_code, "/", ?road_name) AS ?road_id) ?road_name ?road_name_suffix ?road_name_type ?locality_code ?road_cat_desc
WHERE {
    GRAPH <urn:qali:graph:addresses> {
        ?iri a addr:Address ;
        sdo:hasPart [
                sdo:additionalType apt:road ;
            sdo:value ?road
        ],
        [
                sdo:additionalType apt:locality ;
            sdo:value ?locality
        ] .

        # locality
        GRAPH <urn:qali:graph:geographical-names> {
            ?locality sdo:additionalProperty [
                    sdo:propertyID "lalf.locality_code" ;
                sdo:value ?locality_code
            ]
        }

        GRAPH <urn:qali:graph:roads> {
            # road name
            ?road sdo:hasPart [
                    sdo:additionalType rnpt:roadGivenName ;
                sdo:value ?_road_name
            ] .
            BIND(UCASE(?_road_name) as ?road_name)

            # road suffix
            OPTIONAL {
                ?road sdo:hasPart [
                        sdo:additionalType rnpt:roadSuffix ;
                    sdo:value ?road_name_suffix_iri
                ] .

                GRAPH ?vocab_graph {
                    ?road_name_suffix_iri skos:notation ?road_name_suffix .
                    FILTER(DATATYPE(?road_name_suffix) = <https://linked.data.gov.au/dataset/qld-addr/datatype/sir-pub>)
                }
            }

            # road type
            OPTIONAL {
                ?road sdo:hasPart [
                        sdo:additionalType rnpt:roadType ;
                    sdo:value ?road_name_type_iri
                ] .

                GRAPH ?vocab_graph {
                    ?road_name_type_iri skos:notation ?road_name_type
                    FILTER(DATATYPE(?road_name_type) = <https://linked.data.gov.au/dataset/qld-addr/datatype/sir-pub>)
                }
            }
        }
    }

    BIND("P" as ?road_cat_desc)
}`

// parcelQuery lists every addressable parcel with its plan and lot
// numbers.
const parcelQuery = `PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX sdo: <https://schema.org/>

SELECT ?parcel_id ?plan_no ?lot_no
WHERE {
    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
        sdo:identifier ?plan_no, ?_lot_no .

        FILTER(DATATYPE(?plan_no) = <https://linked.data.gov.au/dataset/qld-addr/datatype/plan>)
        FILTER(DATATYPE(?_lot_no) = <https://linked.data.gov.au/dataset/qld-addr/datatype/lot>)

        # lot 0 is published as 9999
        BIND(
            COALESCE(
                IF(
                    ?_lot_no = "0"^^<https://linked.data.gov.au/dataset/qld-addr/datatype/lot>,
                    "9999"^^<https://linked.data.gov.au/dataset/qld-addr/datatype/lot>,
                    1/0 # errors into COALESCE's fallback
                ),
                ?_lot_no
            )
            AS ?lot_no
        )
    }
}`

// siteQuery lists one site per parcel-address pair. parent_site_id stays
// unbound: 9999 lotplans can carry several primary addresses, so a parent
// site cannot be derived from the graph.
func siteQuery(debug bool) string {
	return fmt.Sprintf(`PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX sdo: <https://schema.org/>

SELECT (CONCAT(STR(?parcel_id), "|", STR(?address)) AS ?site_id) ?parent_site_id ?site_type ?parcel_id
WHERE {%s
    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
        sdo:identifier ?plan_no, ?_lot_no .

        FILTER(DATATYPE(?plan_no) = <https://linked.data.gov.au/dataset/qld-addr/datatype/plan>)
        FILTER(DATATYPE(?_lot_no) = <https://linked.data.gov.au/dataset/qld-addr/datatype/lot>).

        ?parcel_id cn:hasName ?address .
        ?address a addr:Address .

        BIND("P" AS ?site_type)
    }
}
ORDER BY ?parcel_id ?parent_site_id`, debugFilter(debug))
}

// placeNameKeysQuery lists the parcel-address pairs that the place name
// detail query is chunked over.
func placeNameKeysQuery(debug bool) string {
	return fmt.Sprintf(`PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX sdo: <https://schema.org/>

SELECT ?parcel_id ?addr_iri
WHERE {%s
    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
        cn:hasName ?addr_iri .

        ?addr_iri a addr:Address
    }
}`, debugFilter(debug))
}

// placeNameRowsQuery pulls the property names for the pairs in the chunk.
// Pairs without a property name part simply yield no row.
func placeNameRowsQuery(keys []siteAddressKey) string {
	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{"<" + k.ParcelID + ">", "<" + k.AddressIRI + ">"}
	}
	return fmt.Sprintf(`PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX sdo: <https://schema.org/>

SELECT
    (CONCAT(STR(?_place_name_id), "|", STR(?parcel_id), "|", STR(?addr_iri)) AS ?place_name_id)
    ("P" AS ?pl_name_status_code)
    ("PROP" AS ?pl_name_type_code)
    ?pl_name
    (CONCAT(STR(?parcel_id), "|", STR(?addr_iri)) AS ?site_id)
WHERE {
    GRAPH <urn:qali:graph:addresses> {
        VALUES (?parcel_id ?addr_iri) {
            %s
        }

        # property name
        ?addr_iri sdo:hasPart [
                sdo:additionalType apt:propertyName ;
            sdo:value ?_place_name_id
        ]

        GRAPH <urn:qali:graph:geographical-names> {
            ?_place_name_id sdo:name ?pl_name
        }
    }
}`, sparql.TupleList(rows))
}

// addressKeysQuery lists every parcel-address pair with the road bindings
// the detail query needs to reconstruct road_id without re-walking the
// road graph.
func addressKeysQuery(debug bool) string {
	return fmt.Sprintf(`PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX rnpt: <https://linked.data.gov.au/def/road-name-part-types/>
PREFIX sdo: <https://schema.org/>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>

SELECT DISTINCT ?addr_iri ?parcel_id ?road ?locality_code ?_road_name
WHERE {%s
    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
            cn:hasName ?addr_iri .

        ?addr_iri a addr:Address .

        # road
        ?addr_iri sdo:hasPart [
                sdo:additionalType apt:road ;
            sdo:value ?road
        ],
        [
                sdo:additionalType apt:locality ;
            sdo:value ?locality
        ] .

        # locality
        GRAPH <urn:qali:graph:geographical-names> {
            ?locality sdo:additionalProperty [
                    sdo:propertyID "lalf.locality_code" ;
                sdo:value ?locality_code
            ]
        }

        GRAPH <urn:qali:graph:roads> {
            # road name
            ?road sdo:hasPart [
                    sdo:additionalType rnpt:roadGivenName ;
                sdo:value ?_road_name
            ] .
            BIND(UCASE(?_road_name) as ?road_name)
        }
    }
}`, debugFilter(debug))
}

// addressRowsQuery pulls the denormalised address row for each key in the
// chunk. Notation lookups are pinned to the sir-pub datatype so a
// concept's other notations never leak in.
func addressRowsQuery(keys []addressKey) string {
	rows := make([][]string, len(keys))
	for i, k := range keys {
		rows[i] = []string{
			"<" + k.AddressIRI + ">",
			"<" + k.ParcelID + ">",
			"<" + k.Road + ">",
			sparql.Quote(k.LocalityCode),
			sparql.Quote(k.RoadName),
		}
	}
	return fmt.Sprintf(`PREFIX addr: <https://linked.data.gov.au/def/addr/>
PREFIX apt: <https://linked.data.gov.au/def/addr-part-types/>
PREFIX cn: <https://linked.data.gov.au/def/cn/>
PREFIX rnpt: <https://linked.data.gov.au/def/road-name-part-types/>
PREFIX sdo: <https://schema.org/>
PREFIX skos: <http://www.w3.org/2004/02/skos/core#>

SELECT
    ?parcel_id
    ?addr_id
    ?address_pid
    ?addr_status_code
    ?unit_type
    ?unit_no
    ?unit_suffix
    ?level_type
    ?level_no
    ?level_suffix
    ?street_no_first
    ?street_no_first_suffix
    ?street_no_last
    ?street_no_last_suffix
    ?road_id
    ?site_id
    ?location_desc
    ?address_standard
WHERE {
    VALUES (?addr_iri ?parcel_id ?road ?locality_code ?_road_name) {
        %s
    }

    GRAPH <urn:qali:graph:addresses> {
        ?parcel_id a addr:AddressableObject ;
            cn:hasName ?addr_iri .

        ?addr_iri a addr:Address ;
            sdo:identifier ?address_pid ;
            addr:hasStatus ?addr_status .
        FILTER(DATATYPE(?address_pid) = <https://linked.data.gov.au/dataset/qld-addr/datatype/address-pid>)

        # road id
        BIND(CONCAT(STR(?road), "/", ?locality_code, "/", UCASE(?_road_name)) AS ?road_id)

        # site id
        BIND(CONCAT(STR(?parcel_id), "|", STR(?addr_iri)) AS ?site_id)

        # addr id
        BIND(CONCAT(STR(?addr_iri), "/", ?road_id, "/", STR(?parcel_id)) AS ?addr_id)

        # addr status code
        GRAPH ?addr_status_vocab_graph {
            ?addr_status skos:notation ?addr_status_code .
            FILTER(DATATYPE(?addr_status_code) = <https://linked.data.gov.au/dataset/qld-addr/datatype/sir-pub>)
        }

        # unit type
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:subaddressType ;
                sdo:value ?unit_type_concept
            ] .

            GRAPH ?unit_type_graph {
                ?unit_type_concept skos:notation ?unit_type ;
                skos:inScheme <https://linked.data.gov.au/def/subaddress-types>
                FILTER(DATATYPE(?unit_type) = <https://linked.data.gov.au/dataset/qld-addr/datatype/sir-pub>)
            }
        }

        # unit no
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:subaddressNumber ;
                sdo:value ?unit_no
            ]
        }

        # unit suffix
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:subaddressNumberSuffix ;
                sdo:value ?unit_suffix
            ]
        }

        # level type
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:buildingLevelType ;
                sdo:value ?level_type_concept
            ] .

            GRAPH ?level_type_graph {
                ?level_type_concept skos:prefLabel ?level_type ;
                skos:inScheme <https://linked.data.gov.au/def/building-level-types>
            }
        }

        # level no
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:buildingLevelNumber ;
                sdo:value ?level_no
            ] .
        }

        # level suffix
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:buildingLevelSuffix ;
                sdo:value ?level_suffix
            ] .
        }

        # street no first
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:addressNumberFirst ;
                sdo:value ?street_no_first
            ]
        }

        # street no first suffix
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:addressNumberFirstSuffix ;
                sdo:value ?street_no_first_suffix
            ]
        }

        # street no last
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:addressNumberLast ;
                sdo:value ?street_no_last
            ]
        }

        # street no last suffix
        OPTIONAL {
            ?addr_iri sdo:hasPart [
                    sdo:additionalType apt:addressNumberLastSuffix ;
                sdo:value ?street_no_last_suffix
            ]
        }

        # location_desc stays unbound

        # address standard
        ?addr_iri sdo:additionalType ?address_standard_concept .
        GRAPH ?address_standard_vocab_graph {
            ?address_standard_concept skos:notation ?address_standard ;
            skos:inScheme <https://linked.data.gov.au/def/addr-classes> .
            FILTER(DATATYPE(?address_standard) = <https://linked.data.gov.au/dataset/qld-addr/datatype/sir-pub>)
        }
    }
}`, sparql.TupleList(rows))
}
