package twitter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"roulette/internal/models"
)

// fakeRemote serves the given bodies in order and records the cursors it saw.
type fakeRemote struct {
	calls   atomic.Int32
	mu      sync.Mutex
	cursors []string
	auth    []string
	paths   []string
	handler func(w http.ResponseWriter, r *http.Request, call int)
}

func newFakeRemote(t *testing.T, pages ...string) (*fakeRemote, *Client) {
	t.Helper()
	f := &fakeRemote{}
	f.handler = func(w http.ResponseWriter, r *http.Request, call int) {
		if call >= len(pages) {
			t.Errorf("unexpected remote call %d", call+1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, pages[call])
	}
	return f, f.client(t)
}

func (f *fakeRemote) client(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(f.calls.Add(1)) - 1
		f.mu.Lock()
		f.cursors = append(f.cursors, r.URL.Query().Get(cursorParam))
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.paths = append(f.paths, r.URL.Path)
		f.mu.Unlock()
		f.handler(w, r, call)
	}))
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxPages: 10})
}

func (f *fakeRemote) seen() (cursors, auth, paths []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors, f.auth, f.paths
}

func TestCollectAll_SinglePage(t *testing.T) {
	remote, client := newFakeRemote(t, `{"data":[{"id":"1","name":"A"}],"meta":{"result_count":1}}`)

	records, err := client.CollectAll(context.Background(), "1234", "token")
	require.NoError(t, err)

	assert.Equal(t, []models.UserRecord{{ID: "1", DisplayName: "A", Label: "A"}}, records)
	assert.EqualValues(t, 1, remote.calls.Load())
	cursors, auth, paths := remote.seen()
	assert.Equal(t, []string{"Bearer token"}, auth)
	assert.Equal(t, []string{"/tweets/1234/retweeted_by"}, paths)
	assert.Equal(t, []string{""}, cursors)
}

func TestCollectAll_FollowsCursor(t *testing.T) {
	remote, client := newFakeRemote(t,
		`{"data":[{"id":"1","name":"A"}],"meta":{"next_token":"X"}}`,
		`{"data":[{"id":"2","name":"B"}],"meta":{}}`,
	)

	records, err := client.CollectAll(context.Background(), "1234", "token")
	require.NoError(t, err)

	assert.Equal(t, []models.UserRecord{
		{ID: "1", DisplayName: "A", Label: "A"},
		{ID: "2", DisplayName: "B", Label: "B"},
	}, records)
	assert.EqualValues(t, 2, remote.calls.Load())
	cursors, _, _ := remote.seen()
	assert.Equal(t, []string{"", "X"}, cursors)
}

func TestCollectAll_LengthIsSumOfPages(t *testing.T) {
	pages := make([]string, 5)
	want := 0
	for i := range pages {
		var users []string
		for j := 0; j <= i; j++ {
			users = append(users, fmt.Sprintf(`{"id":"%d-%d","name":"user %d-%d"}`, i, j, i, j))
			want++
		}
		meta := fmt.Sprintf(`{"result_count":%d,"next_token":"p%d"}`, len(users), i+1)
		if i == len(pages)-1 {
			meta = fmt.Sprintf(`{"result_count":%d}`, len(users))
		}
		pages[i] = fmt.Sprintf(`{"data":[%s],"meta":%s}`, strings.Join(users, ","), meta)
	}
	remote, client := newFakeRemote(t, pages...)

	records, err := client.CollectAll(context.Background(), "99", "token")
	require.NoError(t, err)
	assert.Len(t, records, want)
	assert.EqualValues(t, len(pages), remote.calls.Load())
	for _, r := range records {
		assert.Equal(t, r.DisplayName, r.Label)
		assert.Equal(t, "user "+r.ID, r.DisplayName)
	}
}

func TestCollectAll_NumericIDs(t *testing.T) {
	_, client := newFakeRemote(t,
		`{"data":[{"id":1,"name":"A"},{"id":1790000000000000000,"name":"B"},{"id":"3","name":"C"}],"meta":{"result_count":3}}`)

	records, err := client.CollectAll(context.Background(), "1234", "token")
	require.NoError(t, err)
	assert.Equal(t, []models.UserRecord{
		{ID: "1", DisplayName: "A", Label: "A"},
		{ID: "1790000000000000000", DisplayName: "B", Label: "B"},
		{ID: "3", DisplayName: "C", Label: "C"},
	}, records)
}

func TestCollectAll_EmptyResult(t *testing.T) {
	_, client := newFakeRemote(t, `{"meta":{"result_count":0}}`)

	records, err := client.CollectAll(context.Background(), "1234", "token")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCollect_StartsFromCursor(t *testing.T) {
	remote, client := newFakeRemote(t, `{"data":[{"id":"7","name":"G"}],"meta":{}}`)

	start := "resume-here"
	records, err := client.Collect(context.Background(), "1234", "token", &start)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	cursors, _, _ := remote.seen()
	assert.Equal(t, []string{"resume-here"}, cursors)
}

func TestCollectAll_Validation(t *testing.T) {
	remote, client := newFakeRemote(t)

	_, err := client.CollectAll(context.Background(), "1234", "")
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = client.CollectAll(context.Background(), " ", "token")
	assert.True(t, models.IsKind(err, models.KindValidation))

	assert.EqualValues(t, 0, remote.calls.Load())
}

func TestCollectAll_RemoteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"title":"Unauthorized","type":"about:blank","status":401,"detail":"Unauthorized"}`, "Unauthorized"},
		{"bad request with errors array", http.StatusBadRequest, `{"errors":[{"message":"The id query parameter is invalid"}],"title":"Invalid Request"}`, "The id query parameter is invalid"},
		{"no body", http.StatusServiceUnavailable, ``, "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &fakeRemote{}
			remote.handler = func(w http.ResponseWriter, r *http.Request, call int) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}
			client := remote.client(t)

			_, err := client.CollectAll(context.Background(), "1234", "token")
			require.Error(t, err)
			e, ok := models.AsError(err)
			require.True(t, ok)
			assert.Equal(t, models.KindRemote, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.message, e.Message)
			assert.Nil(t, e.RateLimitReset)
		})
	}
}

func TestCollectAll_NotFoundInSuccessBody(t *testing.T) {
	_, client := newFakeRemote(t,
		`{"errors":[{"detail":"Could not find tweet with id: [1234].","title":"Not Found Error","type":"https://api.twitter.com/2/problems/resource-not-found"}]}`)

	_, err := client.CollectAll(context.Background(), "1234", "token")
	e, ok := models.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Contains(t, e.Message, "Could not find tweet")
}

func TestCollectAll_RateLimited(t *testing.T) {
	remote := &fakeRemote{}
	remote.handler = func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 0 {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"data":[{"id":"1","name":"A"}],"meta":{"next_token":"X"}}`)
			return
		}
		w.Header().Set("x-rate-limit-reset", "1700000000")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"title":"Too Many Requests","detail":"Too Many Requests","type":"about:blank","status":429}`)
	}
	client := remote.client(t)

	records, err := client.CollectAll(context.Background(), "1234", "token")
	assert.Nil(t, records, "partial results are discarded")

	e, ok := models.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, e.Status)
	require.NotNil(t, e.RateLimitReset)
	assert.Equal(t, "2023-11-14T22:13:20Z", e.RateLimitReset.Format(time.RFC3339))
}

func TestCollectAll_PageCap(t *testing.T) {
	remote := &fakeRemote{}
	remote.handler = func(w http.ResponseWriter, r *http.Request, call int) {
		fmt.Fprintf(w, `{"data":[{"id":"%d","name":"loop"}],"meta":{"next_token":"again"}}`, call)
	}
	client := remote.client(t)
	client.MaxPages = 3

	records, err := client.CollectAll(context.Background(), "1234", "token")
	assert.Nil(t, records)
	assert.True(t, models.IsKind(err, models.KindRemote))
	assert.EqualValues(t, 3, remote.calls.Load())
}

func TestFetchPage_Timeout(t *testing.T) {
	remote := &fakeRemote{}
	remote.handler = func(w http.ResponseWriter, r *http.Request, call int) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}
	client := remote.client(t)
	client.Timeout = 50 * time.Millisecond

	_, err := client.FetchPage(context.Background(), "1234", "token", nil)
	e, ok := models.AsError(err)
	require.True(t, ok)
	assert.Equal(t, models.KindRemote, e.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, e.Status)
}

func TestFetchPage_RateLimiterPastDeadline(t *testing.T) {
	remote, client := newFakeRemote(t)
	client.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, client.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.FetchPage(ctx, "1234", "token", nil)
	e, ok := models.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusGatewayTimeout, e.Status)
	assert.EqualValues(t, 0, remote.calls.Load())
}

func TestFetchPage_MalformedBody(t *testing.T) {
	_, client := newFakeRemote(t, `not json`)

	_, err := client.FetchPage(context.Background(), "1234", "token", nil)
	e, ok := models.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e.Status)
}

func TestParseReset(t *testing.T) {
	assert.Nil(t, parseReset(""))
	assert.Nil(t, parseReset("soon"))

	got := parseReset("0")
	require.NotNil(t, got)
	assert.True(t, got.Equal(time.Unix(0, 0)))
}
