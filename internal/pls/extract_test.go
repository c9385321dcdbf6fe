package pls_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qldspatial/address-etl/internal/pls"
	"github.com/qldspatial/address-etl/internal/snapshot"
)

func newTestExtractor(t *testing.T, store *snapshot.Store, dispatcher *sparqlDispatcher, debug bool) *pls.Extractor {
	t.Helper()
	ex, err := pls.NewExtractor(pls.ExtractorConfig{
		Store:  store,
		SPARQL: newSPARQLClient(t, dispatcher),
		Logger: logger,
		Debug:  debug,
	})
	require.NoError(t, err)
	return ex
}

func tableCount(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestExtract_PopulatesEveryEntityTable(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	db := store.DB()
	require.NoError(t, pls.CreateTables(ctx, db, logger))

	dispatcher := newDispatcher(t)
	ex := newTestExtractor(t, store, dispatcher, false)
	require.NoError(t, ex.Extract(ctx))

	assert.Equal(t, 2, tableCount(t, db, "local_auth"))
	assert.Equal(t, 1, tableCount(t, db, "locality"))
	assert.Equal(t, 1, tableCount(t, db, "lf_road"))
	assert.Equal(t, 1, tableCount(t, db, "lf_parcel"))
	assert.Equal(t, 1, tableCount(t, db, "lf_site"))
	assert.Equal(t, 1, tableCount(t, db, "lf_place_name"))
	assert.Equal(t, 1, tableCount(t, db, "lf_address"))

	// The graph carries no road category; the column stays NULL while the
	// derived category description lands.
	var roadCat sql.NullString
	var roadCatDesc string
	require.NoError(t, db.QueryRow("SELECT road_cat, road_cat_desc FROM lf_road").Scan(&roadCat, &roadCatDesc))
	assert.False(t, roadCat.Valid)
	assert.Equal(t, "P", roadCatDesc)

	var parent sql.NullString
	require.NoError(t, db.QueryRow("SELECT parent_site_id FROM lf_site").Scan(&parent))
	assert.False(t, parent.Valid)

	var plName string
	require.NoError(t, db.QueryRow("SELECT pl_name FROM lf_place_name").Scan(&plName))
	assert.Equal(t, "ROSE COTTAGE", plName)

	var gotAddrID, pid, standard string
	var unitType, locationDesc sql.NullString
	row := db.QueryRow("SELECT addr_id, address_pid, address_standard, unit_type, location_desc FROM lf_address")
	require.NoError(t, row.Scan(&gotAddrID, &pid, &standard, &unitType, &locationDesc))
	assert.Equal(t, addrID, gotAddrID)
	assert.Equal(t, "10127", pid)
	assert.Equal(t, "QSAS", standard)
	assert.False(t, unitType.Valid)
	assert.False(t, locationDesc.Valid)
}

func TestExtract_AddressDetailCarriesOnlyCompleteKeys(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, pls.CreateTables(ctx, store.DB(), logger))

	dispatcher := newDispatcher(t)
	ex := newTestExtractor(t, store, dispatcher, false)
	_, err := ex.PopulateAddresses(ctx)
	require.NoError(t, err)

	details := dispatcher.find("VALUES (?addr_iri")
	require.Len(t, details, 1)
	// The key tuple carries the raw road name; the query upper-cases it.
	assert.Contains(t, details[0], fmt.Sprintf(`(<%s> <%s> <%s> "L_TWMBA" "Main")`, addrIRI, parcelIRI, roadIRI))
	assert.NotContains(t, details[0], "incomplete", "keys missing a binding must be dropped")
}

func TestExtract_DebugNarrowsQueriesToFixedParcels(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, pls.CreateTables(ctx, store.DB(), logger))

	dispatcher := newDispatcher(t)
	ex := newTestExtractor(t, store, dispatcher, true)
	rows, err := ex.PopulateSites(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	require.Len(t, dispatcher.queries, 1)
	assert.Contains(t, dispatcher.queries[0], "VALUES ?parcel_id")
}

func TestExtract_PlaceNamesRunKeysThenDetail(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, pls.CreateTables(ctx, store.DB(), logger))

	dispatcher := newDispatcher(t)
	ex := newTestExtractor(t, store, dispatcher, false)
	rows, err := ex.PopulatePlaceNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	require.Len(t, dispatcher.queries, 2)
	assert.Contains(t, dispatcher.queries[1], fmt.Sprintf("(<%s> <%s>)", parcelIRI, addrIRI))
}

func manyAddressKeys(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"head": {"vars": ["addr_iri", "parcel_id", "road", "locality_code", "_road_name"]}, "results": {"bindings": [`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"addr_iri": {"type": "uri", "value": "https://linked.data.gov.au/dataset/qld-addr/addr/a%d"},
			"parcel_id": {"type": "uri", "value": "https://linked.data.gov.au/dataset/qld-addr/parcel/%dRP1"},
			"road": {"type": "uri", "value": "https://linked.data.gov.au/dataset/qld-addr/rn/r1"},
			"locality_code": {"type": "literal", "value": "L1"},
			"_road_name": {"type": "literal", "value": "MAIN"}}`, i, i)
	}
	sb.WriteString(`]}}`)
	return sb.String()
}

func TestExtract_ChunksAddressDetailQueries(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	require.NoError(t, pls.CreateTables(ctx, store.DB(), logger))

	dispatcher := newDispatcher(t)
	dispatcher.addressKeysBody = manyAddressKeys(5001)
	dispatcher.addressRowsBody = emptyBindings

	ex := newTestExtractor(t, store, dispatcher, false)
	_, err := ex.PopulateAddresses(ctx)
	require.NoError(t, err)

	details := dispatcher.find("VALUES (?addr_iri")
	require.Len(t, details, 2, "5001 keys must split into two detail queries")
	assert.Contains(t, details[1], "/addr/a5000>")
	assert.NotContains(t, details[1], "/addr/a4999>")
}
