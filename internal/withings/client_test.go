package withings

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tbrandt/withings2icu/internal/errs"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Credentials{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURI:  "http://localhost:8080/callback",
	}, WithAPIBase(srv.URL))
}

func writeEnvelope(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%d,"body":%s}`, status, body)
}

func TestExchangeSendsExpectedForm(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/oauth2", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "requesttoken", r.PostForm.Get("action"))
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "the-code", r.PostForm.Get("code"))
		require.Equal(t, "cid", r.PostForm.Get("client_id"))
		require.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		require.Equal(t, "http://localhost:8080/callback", r.PostForm.Get("redirect_uri"))
		writeEnvelope(w, 0, `{"access_token":"at","refresh_token":"rt","expires_in":10800}`)
	}))

	tok, err := c.Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	require.Equal(t, "at", tok.AccessToken)
	require.Equal(t, "rt", tok.RefreshToken)
	require.WithinDuration(t, time.Now().Add(3*time.Hour), tok.ExpiresAt, time.Minute)
}

func TestExchangeEnvelopeFailure(t *testing.T) {
	t.Parallel()

	// Withings reports failures inside the envelope while the HTTP status
	// stays 200.
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 503, `{}`)
	}))

	_, err := c.Exchange(context.Background(), "bad-code")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 200, apiErr.HTTPStatus)
	require.Equal(t, 503, apiErr.Status)
}

func TestRefreshRotatesPair(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))
		writeEnvelope(w, 0, `{"access_token":"new-at","refresh_token":"new-rt","expires_in":10800}`)
	}))

	tok, err := c.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)
	require.Equal(t, "new-at", tok.AccessToken)
	require.Equal(t, "new-rt", tok.RefreshToken)
}

func TestRefreshRejectedIsAuthExpired(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 401, `{}`)
	}))

	_, err := c.Refresh(context.Background(), "revoked-rt")
	require.ErrorIs(t, err, errs.ErrAuthExpired)
}

func TestFetchMeasurementsScalesAndMaps(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 12, 1, 12, 0, 0, 0, time.Local)
	from := time.Date(2024, 12, 1, 0, 0, 0, 0, time.Local)
	to := time.Date(2024, 12, 3, 0, 0, 0, 0, time.Local)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/measure", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "getmeas", q.Get("action"))
		require.Equal(t, "1,6,9,10,71,73,76", q.Get("meastypes"))
		require.Equal(t, "1", q.Get("category"))
		require.Equal(t, strconv.FormatInt(from.Unix(), 10), q.Get("startdate"))
		require.Equal(t, strconv.FormatInt(to.Unix(), 10), q.Get("enddate"))
		require.Equal(t, "Bearer at", r.Header.Get("Authorization"))

		writeEnvelope(w, 0, fmt.Sprintf(`{
			"measuregrps": [{
				"date": %d,
				"category": 1,
				"measures": [
					{"value": 80500, "type": 1, "unit": -3},
					{"value": 214, "type": 6, "unit": -1},
					{"value": 7, "type": 999, "unit": 0}
				]
			}],
			"more": 0,
			"offset": 0
		}`, day.Unix()))
	}))

	got, err := c.FetchMeasurements(context.Background(), Token{AccessToken: "at"}, from, to)
	require.NoError(t, err)

	// The unknown type code 999 is dropped.
	require.Len(t, got, 2)
	require.Equal(t, "2024-12-01", got[0].Day)
	require.Equal(t, TypeWeight, got[0].Type)
	require.InDelta(t, 80.5, got[0].Value, 1e-9)
	require.Equal(t, TypeBodyFat, got[1].Type)
	require.InDelta(t, 21.4, got[1].Value, 1e-9)
}

func TestFetchMeasurementsPaginates(t *testing.T) {
	t.Parallel()

	day1 := time.Date(2024, 12, 1, 9, 0, 0, 0, time.Local)
	day2 := time.Date(2024, 12, 2, 9, 0, 0, 0, time.Local)

	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			require.Empty(t, r.URL.Query().Get("offset"))
			writeEnvelope(w, 0, fmt.Sprintf(`{
				"measuregrps": [{"date": %d, "category": 1, "measures": [{"value": 805, "type": 1, "unit": -1}]}],
				"more": 1,
				"offset": 42
			}`, day1.Unix()))
		default:
			require.Equal(t, "42", r.URL.Query().Get("offset"))
			writeEnvelope(w, 0, fmt.Sprintf(`{
				"measuregrps": [{"date": %d, "category": 1, "measures": [{"value": 803, "type": 1, "unit": -1}]}],
				"more": 0,
				"offset": 0
			}`, day2.Unix()))
		}
	}))

	got, err := c.FetchMeasurements(context.Background(), Token{AccessToken: "at"},
		day1.AddDate(0, 0, -1), day2.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, got, 2)
	require.Equal(t, "2024-12-01", got[0].Day)
	require.Equal(t, "2024-12-02", got[1].Day)
}

func TestFetchMeasurementsAuthExpired(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 401, `{}`)
	}))

	_, err := c.FetchMeasurements(context.Background(), Token{AccessToken: "stale"},
		time.Now().AddDate(0, 0, -1), time.Now())
	require.ErrorIs(t, err, errs.ErrAuthExpired)
}

func TestFetchMeasurementsEnvelopeError(t *testing.T) {
	t.Parallel()

	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeEnvelope(w, 601, `{}`)
	}))

	_, err := c.FetchMeasurements(context.Background(), Token{AccessToken: "at"},
		time.Now().AddDate(0, 0, -1), time.Now())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 601, apiErr.Status)
	require.Equal(t, 1, calls, "non-transient envelope errors must not be retried")
}

func TestFetchMeasurementsRetriesServerError(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 12, 1, 9, 0, 0, 0, time.Local)
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		writeEnvelope(w, 0, fmt.Sprintf(`{
			"measuregrps": [{"date": %d, "category": 1, "measures": [{"value": 805, "type": 1, "unit": -1}]}],
			"more": 0,
			"offset": 0
		}`, day.Unix()))
	}))

	got, err := c.FetchMeasurements(context.Background(), Token{AccessToken: "at"},
		day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, got, 1)
}
