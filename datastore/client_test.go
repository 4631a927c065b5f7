package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productsJSON = `[
  {"id":1,"name":"Freidora de aire","description":"5 litros","price":"89.99","stock":12,"active":true,"created_at":"2024-03-01T10:00:00Z"},
  {"id":2,"name":"Gorra","description":"Talla única","price":12.5,"stock":0,"active":false,"created_at":"2024-03-02T10:00:00Z"}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "anon-key", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestQueryValues(t *testing.T) {
	q := Query{
		Columns: []string{"id", "name"},
		Eq:      map[string]string{"active": "true"},
		Or:      []ILike{Contains("name", "freidora"), Contains("description", "aire libre")},
		Order:   "id.asc",
		Limit:   5,
	}
	got := q.Values()

	want := map[string][]string{
		"select": {"id,name"},
		"active": {"eq.true"},
		"or":     {`(name.ilike.*freidora*,description.ilike."*aire libre*")`},
		"order":  {"id.asc"},
		"limit":  {"5"},
	}
	if diff := cmp.Diff(want, map[string][]string(got)); diff != "" {
		t.Fatalf("query values mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchProducts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/products", r.URL.Path)
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		assert.Equal(t, "(name.ilike.*aire*,description.ilike.*aire*)", r.URL.Query().Get("or"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Write([]byte(productsJSON))
	})

	products, err := c.SearchProducts(context.Background(), "aire", 10)
	require.NoError(t, err)

	require.Len(t, products, 2)
	assert.True(t, decimal.RequireFromString("89.99").Equal(products[0].Price))
	assert.True(t, decimal.RequireFromString("12.5").Equal(products[1].Price))
	assert.Equal(t, "Talla única", products[1].Description)
}

func TestSetDescription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.7", r.URL.Query().Get("id"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"description":"Nueva"}`, string(body))
		w.Write([]byte(`[{"id":7,"name":"Gorra","description":"Nueva","price":"10"}]`))
	})

	product, err := c.SetDescription(context.Background(), 7, "Nueva")
	require.NoError(t, err)
	assert.Equal(t, int64(7), product.ID)
	assert.Equal(t, "Nueva", product.Description)
}

func TestSetDescriptionNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	_, err := c.SetDescription(context.Background(), 99, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "PGRST301",
			"message": "JWT expired",
		})
	})

	_, err := c.ListProducts(context.Background(), 5)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "PGRST301", apiErr.Code)
	assert.Equal(t, "datastore: 401 PGRST301: JWT expired", err.Error())
}

func TestAPIErrorWithoutJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListProducts(context.Background(), 5)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Service Unavailable", apiErr.Message)
}

func TestNew(t *testing.T) {
	_, err := New("https://abc.supabase.co", "")
	assert.ErrorIs(t, err, ErrNoCredential)
	_, err = New("abc.supabase.co", "key")
	assert.Error(t, err)
}
