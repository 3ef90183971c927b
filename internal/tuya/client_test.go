package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testClientID = "cid"
	testSecret   = "secret"
	testDeviceID = "dev123"
)

// fakeVendor serves the token, device and log endpoints and verifies every
// request signature against the transmitted URL.
type fakeVendor struct {
	t *testing.T

	mu          sync.Mutex
	events      []int64
	tokenCalls  int
	logCalls    int
	tokenSeq    int
	rejectToken bool
	failLogPage int
	invalidOnce bool
	cursors     []int64
}

func (f *fakeVendor) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	accessToken := r.Header.Get("access_token")
	ts, err := strconv.ParseInt(r.Header.Get("t"), 10, 64)
	require.NoError(f.t, err)
	assert.Equal(f.t, testClientID, r.Header.Get("client_id"))
	assert.Equal(f.t, "HMAC-SHA256", r.Header.Get("sign_method"))

	expected := Sign(testClientID, testSecret, accessToken, ts,
		StringToSign(r.Method, nil, CanonicalPath(r.URL.Path, r.URL.Query())))
	if r.Header.Get("sign") != expected {
		writeEnvelope(w, false, 1004, "sign invalid", nil)
		return
	}

	switch {
	case r.URL.Path == "/v1.0/token":
		f.tokenCalls++
		assert.Empty(f.t, accessToken)
		if f.rejectToken {
			writeEnvelope(w, false, 1004, "sign invalid", nil)
			return
		}
		f.tokenSeq++
		writeEnvelope(w, true, 0, "", map[string]interface{}{
			"access_token": "token-" + strconv.Itoa(f.tokenSeq),
			"expire_time":  7200,
		})

	case strings.HasSuffix(r.URL.Path, "/logs"):
		f.logCalls++
		assert.True(f.t, strings.HasPrefix(accessToken, "token-"))
		if f.invalidOnce {
			f.invalidOnce = false
			writeEnvelope(w, false, codeTokenInvalid, "token invalid", nil)
			return
		}
		if f.failLogPage > 0 && f.logCalls == f.failLogPage {
			writeEnvelope(w, false, 500, "system error", nil)
			return
		}
		f.servePage(w, r)

	case r.URL.Path == "/v1.0/devices/"+testDeviceID:
		writeEnvelope(w, true, 0, "", map[string]interface{}{
			"id":     testDeviceID,
			"online": true,
			"status": []map[string]interface{}{
				{"code": "liquid_depth", "value": 87},
				{"code": "liquid_state", "value": "normal"},
			},
		})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeVendor) servePage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assert.Equal(f.t, "7", q.Get("type"))
	start, _ := strconv.ParseInt(q.Get("start_time"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("end_time"), 10, 64)
	size, _ := strconv.Atoi(q.Get("size"))
	f.cursors = append(f.cursors, end)

	var inWindow []int64
	for _, e := range f.events {
		if e >= start && e <= end {
			inWindow = append(inWindow, e)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i] > inWindow[j] })

	hasNext := len(inWindow) > size
	if hasNext {
		inWindow = inWindow[:size]
	}

	logs := make([]map[string]interface{}, 0, len(inWindow))
	for _, e := range inWindow {
		logs = append(logs, map[string]interface{}{
			"event_time": e,
			"code":       "liquid_depth",
			"value":      "80",
			"event_from": "1",
			"event_id":   7,
		})
	}
	writeEnvelope(w, true, 0, "", map[string]interface{}{
		"device_id": testDeviceID,
		"logs":      logs,
		"has_next":  hasNext,
	})
}

func writeEnvelope(w http.ResponseWriter, success bool, code int, msg string, result interface{}) {
	body := map[string]interface{}{"success": success, "t": time.Now().UnixMilli()}
	if !success {
		body["code"] = code
		body["msg"] = msg
	}
	if result != nil {
		body["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, vendor *fakeVendor) (*Client, func()) {
	vendor.t = t
	srv := httptest.NewServer(http.HandlerFunc(vendor.handler))
	c := NewClient(Config{
		BaseURL:      srv.URL,
		ClientID:     testClientID,
		ClientSecret: testSecret,
		PageSize:     100,
		Timeout:      5 * time.Second,
	}, zap.NewNop())
	return c, srv.Close
}

func eventTimes(n int, first, step int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = first + int64(i)*step
	}
	return out
}

func TestFetchLogs_DrainsWindowWithinPageBound(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 101, 250, 300} {
		vendor := &fakeVendor{events: eventTimes(n, 1_000_000, 1000)}
		c, stop := newTestClient(t, vendor)

		result, err := c.FetchLogs(context.Background(), testDeviceID, 1_000_000, 1_000_000+int64(n)*1000)
		stop()

		require.NoError(t, err, "n=%d", n)
		assert.False(t, result.Partial, "n=%d", n)
		assert.Len(t, result.Logs, n, "n=%d", n)
		assert.LessOrEqual(t, result.Pages, (n+99)/100+1, "n=%d", n)

		for i := 1; i < len(vendor.cursors); i++ {
			assert.Less(t, vendor.cursors[i], vendor.cursors[i-1], "cursor must strictly decrease")
		}

		seen := make(map[int64]bool)
		for _, l := range result.Logs {
			assert.False(t, seen[l.EventTime], "duplicate event %d", l.EventTime)
			seen[l.EventTime] = true
		}
	}
}

func TestFetchLogs_StopsWhenCursorReachesStart(t *testing.T) {
	// Events older than the window start must never be requested.
	vendor := &fakeVendor{events: eventTimes(150, 0, 1000)}
	c, stop := newTestClient(t, vendor)
	defer stop()

	result, err := c.FetchLogs(context.Background(), testDeviceID, 100_000, 149_000)
	require.NoError(t, err)

	assert.Len(t, result.Logs, 50)
	assert.Equal(t, 1, result.Pages)
}

func TestFetchLogs_PartialOnPageFailure(t *testing.T) {
	vendor := &fakeVendor{events: eventTimes(250, 1_000_000, 1000), failLogPage: 2}
	c, stop := newTestClient(t, vendor)
	defer stop()

	result, err := c.FetchLogs(context.Background(), testDeviceID, 1_000_000, 2_000_000)
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Len(t, result.Logs, 100)
	assert.Equal(t, 2, result.Pages)
}

func TestFetchLogs_AuthFailure(t *testing.T) {
	vendor := &fakeVendor{rejectToken: true}
	c, stop := newTestClient(t, vendor)
	defer stop()

	result, err := c.FetchLogs(context.Background(), testDeviceID, 0, 1000)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Equal(t, 0, vendor.logCalls)
}

func TestFetchLogs_DecodesMixedValueTypes(t *testing.T) {
	vendor := &fakeVendor{events: []int64{5000}}
	c, stop := newTestClient(t, vendor)
	defer stop()

	result, err := c.FetchLogs(context.Background(), testDeviceID, 0, 10_000)
	require.NoError(t, err)
	require.Len(t, result.Logs, 1)

	log := result.Logs[0]
	assert.Equal(t, "80", log.Value.String())
	assert.Equal(t, "1", log.EventFrom.String())
	assert.Equal(t, "7", log.EventID.String())
}

func TestAccessToken_CachedUntilExpiryMargin(t *testing.T) {
	vendor := &fakeVendor{}
	c, stop := newTestClient(t, vendor)
	defer stop()

	now := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.GetDeviceStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	_, err = c.GetDeviceStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, vendor.tokenCalls)

	// 7200s expiry minus the 60s margin.
	now = now.Add(7140*time.Second - time.Millisecond)
	_, err = c.GetDeviceStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, 1, vendor.tokenCalls)

	now = now.Add(time.Millisecond)
	_, err = c.GetDeviceStatus(context.Background(), testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, 2, vendor.tokenCalls)
}

func TestGet_ReauthenticatesOnInvalidToken(t *testing.T) {
	vendor := &fakeVendor{events: eventTimes(3, 1000, 1000), invalidOnce: true}
	c, stop := newTestClient(t, vendor)
	defer stop()

	result, err := c.FetchLogs(context.Background(), testDeviceID, 0, 10_000)
	require.NoError(t, err)

	assert.False(t, result.Partial)
	assert.Len(t, result.Logs, 3)
	assert.Equal(t, 2, vendor.tokenCalls)
}

func TestGetDeviceStatus(t *testing.T) {
	vendor := &fakeVendor{}
	c, stop := newTestClient(t, vendor)
	defer stop()

	status, err := c.GetDeviceStatus(context.Background(), testDeviceID)
	require.NoError(t, err)

	assert.True(t, status.Online)
	depth := status.Float("liquid_depth")
	require.NotNil(t, depth)
	assert.Equal(t, 87.0, *depth)
	assert.Nil(t, status.Float("liquid_state"))
	assert.Nil(t, status.Float("liquid_level_percent"))
}

func TestLogPager_RespectsContextDuringDelay(t *testing.T) {
	vendor := &fakeVendor{events: eventTimes(150, 1_000_000, 1000)}
	c, stop := newTestClient(t, vendor)
	defer stop()
	c.pageDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	pager := c.NewLogPager(testDeviceID, 1_000_000, 2_000_000)

	logs, err := pager.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 100)
	assert.False(t, pager.Done())

	cancel()
	_, err = pager.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, pager.Done())
}

// flakyVendor answers the token endpoint with HTTP 503 for the first
// failures requests and records the headers and query of every attempt.
type flakyVendor struct {
	mu       sync.Mutex
	failures int
	attempts []*http.Request
}

func (f *flakyVendor) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts = append(f.attempts, r.Clone(context.Background()))
	if len(f.attempts) <= f.failures {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeEnvelope(w, true, 0, "", map[string]interface{}{
		"access_token": "token-1",
		"expire_time":  7200,
	})
}

func newRetryingClient(t *testing.T, vendor *flakyVendor, retries int) *Client {
	srv := httptest.NewServer(http.HandlerFunc(vendor.handler))
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:          srv.URL,
		ClientID:         testClientID,
		ClientSecret:     testSecret,
		Timeout:          5 * time.Second,
		RetryCount:       retries,
		RetryWaitTime:    5 * time.Millisecond,
		RetryMaxWaitTime: 20 * time.Millisecond,
	}, zap.NewNop())

	clock := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return c
}

func TestAccessToken_RetryResignsEachAttempt(t *testing.T) {
	vendor := &flakyVendor{failures: 1}
	c := newRetryingClient(t, vendor, 2)

	token, err := c.accessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	require.Len(t, vendor.attempts, 2)

	signs := make(map[string]bool)
	stamps := make(map[string]bool)
	for i, r := range vendor.attempts {
		assert.Equal(t, tokenPath, r.URL.Path, "attempt %d", i)
		assert.Equal(t, "grant_type=1", r.URL.RawQuery, "attempt %d", i)

		ts, err := strconv.ParseInt(r.Header.Get("t"), 10, 64)
		require.NoError(t, err, "attempt %d", i)
		expected := Sign(testClientID, testSecret, "", ts,
			StringToSign(r.Method, nil, CanonicalPath(r.URL.Path, r.URL.Query())))
		assert.Equal(t, expected, r.Header.Get("sign"), "attempt %d", i)

		signs[r.Header.Get("sign")] = true
		stamps[r.Header.Get("t")] = true
	}
	assert.Len(t, signs, 2)
	assert.Len(t, stamps, 2)
}

func TestAccessToken_RetryCountBoundsAttempts(t *testing.T) {
	vendor := &flakyVendor{failures: 100}
	c := newRetryingClient(t, vendor, 2)

	_, err := c.accessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Len(t, vendor.attempts, 3)
}
