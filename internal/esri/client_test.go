package esri_test

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/qldspatial/address-etl/internal/etl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenBody = `{"token": "tok-1", "expires": 0}`

// routeMock dispatches auth requests to a canned token response and layer
// requests to fn.
func routeMock(t *testing.T, authCalls *atomic.Int32, fn func(req *http.Request) (*http.Response, error)) *mockHTTPClient {
	t.Helper()
	return &mockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.String(), "generateToken") {
				if authCalls != nil {
					authCalls.Add(1)
				}
				return jsonResponse(http.StatusOK, tokenBody), nil
			}
			return fn(req)
		},
	}
}

func TestESRI_Client_QueryInjectsTokenAndFormat(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "tok-1", req.PostForm.Get("token"))
		assert.Equal(t, "json", req.PostForm.Get("f"))
		assert.Equal(t, "1=1", req.PostForm.Get("where"))
		assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
		return jsonResponse(http.StatusOK, `{"features": [{"attributes": {"objectid": 7}}]}`), nil
	})

	client := newTestClient(t, mock, logger)
	params := url.Values{}
	params.Set("where", "1=1")

	res, err := client.Query(context.Background(), testQueryURL, params)
	require.NoError(t, err)
	require.Len(t, res.Features, 1)
	assert.Equal(t, float64(7), res.Features[0].Attributes["objectid"])
}

func TestESRI_Client_TokenRejectionRefreshesOnce(t *testing.T) {
	t.Parallel()

	var authCalls, queryCalls atomic.Int32
	mock := routeMock(t, &authCalls, func(req *http.Request) (*http.Response, error) {
		if queryCalls.Add(1) == 1 {
			return jsonResponse(http.StatusOK, `{"error": {"code": 498, "message": "Invalid token."}}`), nil
		}
		return jsonResponse(http.StatusOK, `{"features": []}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), queryCalls.Load(), "same request must be retried exactly once")
	assert.Equal(t, int32(2), authCalls.Load(), "rejection must force a token refresh")
}

func TestESRI_Client_SecondTokenRejectionSurfaces(t *testing.T) {
	t.Parallel()

	var queryCalls atomic.Int32
	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		queryCalls.Add(1)
		return jsonResponse(http.StatusOK, `{"error": {"code": 498, "message": "Invalid token."}}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeAuthExpired))
	assert.Equal(t, int32(2), queryCalls.Load(), "a rejected retry must not loop")
}

func TestESRI_Client_RetriesServerError(t *testing.T) {
	t.Parallel()

	var queryCalls atomic.Int32
	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		if queryCalls.Add(1) == 1 {
			return jsonResponse(http.StatusBadGateway, "upstream down"), nil
		}
		return jsonResponse(http.StatusOK, `{"features": []}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), queryCalls.Load())
}

func TestESRI_Client_HTTP401RefreshesOnce(t *testing.T) {
	t.Parallel()

	var authCalls, queryCalls atomic.Int32
	mock := routeMock(t, &authCalls, func(req *http.Request) (*http.Response, error) {
		if queryCalls.Add(1) == 1 {
			return jsonResponse(http.StatusUnauthorized, "token required"), nil
		}
		return jsonResponse(http.StatusOK, `{"features": []}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), queryCalls.Load(), "same request must be retried exactly once")
	assert.Equal(t, int32(2), authCalls.Load(), "a 401 must force a token refresh")
}

func TestESRI_Client_ClientErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	var queryCalls atomic.Int32
	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		queryCalls.Add(1)
		return jsonResponse(http.StatusNotFound, "no such layer"), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeRemoteFatal))
	assert.Equal(t, int32(1), queryCalls.Load(), "a client error must not burn the retry budget")
}

func TestESRI_Client_EmbeddedErrorExhaustsBudget(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"error": {"code": 500, "message": "Unable to complete operation."}}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeRemoteFatal))
}

func TestESRI_Client_Count(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "true", req.PostForm.Get("returnCountOnly"))
		assert.Equal(t, "geocode_status <> 'H'", req.PostForm.Get("where"))
		return jsonResponse(http.StatusOK, `{"count": 42}`), nil
	})

	client := newTestClient(t, mock, logger)
	count, err := client.Count(context.Background(), testQueryURL, "geocode_status <> 'H'")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestESRI_Client_CountMissingIsRemoteFatal(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"features": []}`), nil
	})

	client := newTestClient(t, mock, logger)
	_, err := client.Count(context.Background(), testQueryURL, "1=1")
	require.Error(t, err)
	assert.True(t, etl.IsType(err, etl.ErrorTypeRemoteFatal))
}

func TestESRI_Client_ObjectIDsForWhere(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "objectid", req.PostForm.Get("outFields"))
		assert.Equal(t, "false", req.PostForm.Get("returnGeometry"))
		assert.Equal(t, "0", req.PostForm.Get("resultOffset"))
		assert.Equal(t, "2000", req.PostForm.Get("resultRecordCount"))
		return jsonResponse(http.StatusOK, `{"features": [
			{"attributes": {"objectid": 11}},
			{"attributes": {"objectid": 12}}
		]}`), nil
	})

	client := newTestClient(t, mock, logger)
	ids, err := client.ObjectIDsForWhere(context.Background(), testQueryURL, "address_pid IN ('100')")
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
}

func TestESRI_Client_ObjectIDsOnly(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "true", req.PostForm.Get("returnIdsOnly"))
		return jsonResponse(http.StatusOK, `{"objectIdFieldName": "objectid", "objectIds": [5, 6, 7]}`), nil
	})

	client := newTestClient(t, mock, logger)
	ids, err := client.ObjectIDsOnly(context.Background(), testQueryURL, "1=1")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, ids)
}

func TestESRI_Client_ApplyEdits(t *testing.T) {
	t.Parallel()

	mock := routeMock(t, nil, func(req *http.Request) (*http.Response, error) {
		require.NoError(t, req.ParseForm())
		assert.JSONEq(t, `[{"attributes": {"address_pid": "100"}, "geometry": {"x": 153.02, "y": -27.47, "spatialReference": {"wkid": 4283}}}]`, req.PostForm.Get("adds"))
		assert.JSONEq(t, `[3, 4]`, req.PostForm.Get("deletes"))
		return jsonResponse(http.StatusOK, `{"addResults": [{"objectId": 9, "success": true}], "deleteResults": [{"objectId": 3, "success": true}, {"objectId": 4, "success": true}]}`), nil
	})

	client := newTestClient(t, mock, logger)
	adds := []esri.Feature{{
		Attributes: map[string]any{"address_pid": "100"},
		Geometry:   esri.Point(153.02, -27.47),
	}}

	res, err := client.ApplyEdits(context.Background(), testEditsURL, adds, []int64{3, 4})
	require.NoError(t, err)
	assert.Len(t, res.AddResults, 1)
	assert.Len(t, res.DeleteResults, 2)
}

func TestESRI_Client_NeverLogsToken(t *testing.T) {
	t.Parallel()

	const secret = "super-secret-token-xyz"
	var queryCalls atomic.Int32
	mock := &mockHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.String(), "generateToken") {
				return jsonResponse(http.StatusOK, `{"token": "`+secret+`", "expires": 0}`), nil
			}
			if queryCalls.Add(1) == 1 {
				return jsonResponse(http.StatusOK, `{"error": {"code": 498, "message": "Invalid token."}}`), nil
			}
			return jsonResponse(http.StatusOK, `{"features": []}`), nil
		},
	}

	var buf bytes.Buffer
	client := newTestClient(t, mock, captureLogger(&buf))
	_, err := client.Query(context.Background(), testQueryURL, url.Values{})
	require.NoError(t, err)

	assert.NotContains(t, buf.String(), secret)
}
