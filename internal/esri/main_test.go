package esri_test

import (
	"bytes"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/qldspatial/address-etl/internal/esri"
	"github.com/stretchr/testify/require"
)

var (
	logger *slog.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	os.Exit(m.Run())
}

type mockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

const (
	testAuthURL  = "https://gis.example.com/tokens/generateToken"
	testQueryURL = "https://gis.example.com/layer/0/query"
	testEditsURL = "https://gis.example.com/layer/0/applyEdits"
)

func newTestBroker(t *testing.T, mock *mockHTTPClient, log *slog.Logger) *esri.TokenBroker {
	t.Helper()
	broker, err := esri.NewTokenBroker(esri.TokenBrokerConfig{
		AuthURL:    testAuthURL,
		Referer:    "https://etl.example.com",
		Username:   "svc-etl",
		Password:   "hunter2",
		HTTPClient: mock,
		Clock:      clockwork.NewFakeClock(),
		Logger:     log,
	})
	require.NoError(t, err)
	return broker
}

func newTestClient(t *testing.T, mock *mockHTTPClient, log *slog.Logger) *esri.Client {
	t.Helper()
	client, err := esri.NewClient(esri.ClientConfig{
		HTTPClient:           mock,
		Broker:               newTestBroker(t, mock, log),
		RetryMaxTime:         200 * time.Millisecond,
		RetryInitialInterval: time.Millisecond,
		Logger:               log,
	})
	require.NoError(t, err)
	return client
}

// captureLogger records everything at debug level so tests can assert what
// never appears in the output.
func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
