package pipeline

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefile-hq/casefile/internal/extract"
	"github.com/casefile-hq/casefile/internal/match"
	"github.com/casefile-hq/casefile/internal/ratelimit"
	"github.com/casefile-hq/casefile/internal/store"
	"github.com/casefile-hq/casefile/internal/types"
)

// Exercises the full update path through the real store client: the first
// PATCH fails with 503 and the client retries with backoff before the
// processor sees a clean result.
func TestTransientStoreFailureRecoversWithBackoff(t *testing.T) {
	const aliceID = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"

	alicePage := func(notes string) types.Page {
		props := map[string]types.PropertyValue{
			"Name":  {Kind: types.PropTitle, Title: []types.TextSpan{{PlainText: "Alice Smith"}}},
			"Email": {Kind: types.PropEmail, Email: strPtr("alice@example.com")},
		}
		if notes != "" {
			props["Notes"] = types.PropertyValue{Kind: types.PropRichText, RichText: []types.TextSpan{{PlainText: notes}}}
		}
		return types.Page{
			ID: aliceID, DatabaseID: peopleDB, Properties: props,
			CreatedTime: time.Now().UTC(), LastEditedTime: time.Now().UTC(),
		}
	}

	var patches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/databases/"+peopleDB+"/schema":
			_ = json.NewEncoder(w).Encode(&types.DatabaseSchema{
				DatabaseID: peopleDB,
				Properties: map[string]types.SchemaEntry{
					"Name":  {Kind: types.PropTitle},
					"Email": {Kind: types.PropEmail},
					"Notes": {Kind: types.PropRichText},
				},
			})
		case r.URL.Path == "/v1/databases/"+peopleDB+"/query":
			_ = json.NewEncoder(w).Encode(map[string]any{"pages": []types.Page{alicePage("")}})
		case r.Method == http.MethodPatch && r.URL.Path == "/v1/pages/"+aliceID:
			if patches.Add(1) == 1 {
				http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode(alicePage("updated"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	limiter, err := ratelimit.New(10)
	require.NoError(t, err)
	client, err := store.New(srv.URL, "token", limiter,
		store.WithHTTPClient(srv.Client()),
		store.WithResolver(func(ctx context.Context, host string) ([]net.IP, error) {
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		}))
	require.NoError(t, err)

	stub := &extract.Stub{Lexicon: map[string]types.Entity{
		"Alice Smith": {
			Kind: types.KindPerson, Name: "Alice Smith", Confidence: 0.95,
			Properties: map[string]any{"notes": "Raised the renewal question."},
		},
	}}
	p, err := NewProcessor(client, stub, match.New(), map[types.EntityKind]string{
		types.KindPerson: peopleDB,
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := p.Process(context.Background(), &types.Transcript{
		ID: "tr-recover", Title: "Renewal Call",
		Body:      "Alice Smith asked about the renewal.",
		Timestamp: time.Now().UTC(),
	}, Options{})
	require.NoError(t, err)

	assert.Len(t, result.Updated, 1)
	assert.Empty(t, result.Errors)
	assert.EqualValues(t, 2, patches.Load())
	// Retry backoff is 2s with 20% jitter.
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func strPtr(s string) *string { return &s }
