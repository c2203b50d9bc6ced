package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkmux/internal/broadcast"
	"linkmux/internal/control"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeControl struct {
	mu sync.Mutex

	connectErr error
	sendErr    error
	groups     []transport.Group

	connected []string
	sent      []sentCall
}

type sentCall struct {
	id, text   string
	recipients []string
	att        *broadcast.Attachment
}

func (f *fakeControl) Status(id string) control.Status {
	qr := "data:image/png;base64,AAAA"
	return control.Status{Status: session.Connecting, QR: &qr}
}

func (f *fakeControl) Connect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, id)
	return f.connectErr
}

func (f *fakeControl) Logout(context.Context, string) error { return nil }

func (f *fakeControl) Groups(context.Context, string) ([]transport.Group, error) {
	return f.groups, nil
}

func (f *fakeControl) Send(_ context.Context, id, text string, recipients []string, att *broadcast.Attachment) ([]broadcast.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{id: id, text: text, recipients: recipients, att: att})
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	out := make([]broadcast.Result, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, broadcast.Result{Recipient: r, Outcome: broadcast.Sent})
	}
	return out, nil
}

func (f *fakeControl) Runs(string) []broadcast.Run { return nil }

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func tenantReq(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(HeaderTenant, "alice")
	return req
}

func TestStatusRequiresTenant(t *testing.T) {
	srv := New(&fakeControl{}, Options{}, nil, logx.Nop())

	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["code"])

	rec = do(t, srv.Handler(), tenantReq(http.MethodGet, "/status"))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "connecting", body["status"])
	assert.Equal(t, "data:image/png;base64,AAAA", body["qr"])
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestTenantWithSeparatorIsRejected(t *testing.T) {
	ctl := &fakeControl{}
	srv := New(ctl, Options{}, nil, logx.Nop())

	req := httptest.NewRequest(http.MethodPost, "/connect", nil)
	req.Header.Set(HeaderTenant, "acme-eu")
	rec := do(t, srv.Handler(), req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["code"])
	assert.Empty(t, ctl.connected)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := New(&fakeControl{}, Options{}, nil, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	rec := do(t, srv.Handler(), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(HeaderRequestID))
}

func TestAPIKey(t *testing.T) {
	srv := New(&fakeControl{}, Options{APIKey: "k"}, nil, logx.Nop())

	rec := do(t, srv.Handler(), tenantReq(http.MethodGet, "/status"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := tenantReq(http.MethodGet, "/status")
	req.Header.Set(HeaderAPIKey, "k")
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), req).Code)

	// healthz stays open for probes.
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)

	srv.Apply(Options{})
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), tenantReq(http.MethodGet, "/status")).Code)
}

func TestRateLimitIsPerTenant(t *testing.T) {
	srv := New(&fakeControl{}, Options{RatePerSec: 0.001, Burst: 1}, nil, logx.Nop())

	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), tenantReq(http.MethodGet, "/status")).Code)
	rec := do(t, srv.Handler(), tenantReq(http.MethodGet, "/status"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/status", nil)
	other.Header.Set(HeaderTenant, "bob")
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), other).Code)
}

func TestConnectErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		code control.Code
		want int
	}{
		{control.CodeAborted, http.StatusConflict},
		{control.CodeUnavailable, http.StatusServiceUnavailable},
		{control.CodeTimeout, http.StatusGatewayTimeout},
		{control.CodeNotConnected, http.StatusBadRequest},
		{control.CodeFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			ctl := &fakeControl{connectErr: &control.Error{Code: tc.code, Detail: "nope"}}
			srv := New(ctl, Options{}, nil, logx.Nop())
			rec := do(t, srv.Handler(), tenantReq(http.MethodPost, "/connect"))
			assert.Equal(t, tc.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, string(tc.code), body["code"])
			assert.Equal(t, string(tc.code)+": nope", body["error"])
		})
	}

	ctl := &fakeControl{connectErr: errors.New("plain")}
	rec := do(t, New(ctl, Options{}, nil, logx.Nop()).Handler(), tenantReq(http.MethodPost, "/connect"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed", decode(t, rec)["code"])
}

func TestConnectReturnsStatus(t *testing.T) {
	ctl := &fakeControl{}
	rec := do(t, New(ctl, Options{}, nil, logx.Nop()).Handler(), tenantReq(http.MethodPost, "/connect"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connecting", decode(t, rec)["status"])
	assert.Equal(t, []string{"alice"}, ctl.connected)
}

func TestGroupsReportParticipantCounts(t *testing.T) {
	ctl := &fakeControl{groups: []transport.Group{{ID: "g1", Name: "Team", Participants: []string{"a", "b"}}}}
	rec := do(t, New(ctl, Options{}, nil, logx.Nop()).Handler(), tenantReq(http.MethodGet, "/groups"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"groups":[{"id":"g1","name":"Team","participants":2}]}`, rec.Body.String())
}

func TestBroadcastsListIsNeverNull(t *testing.T) {
	rec := do(t, New(&fakeControl{}, Options{}, nil, logx.Nop()).Handler(), tenantReq(http.MethodGet, "/broadcasts"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"broadcasts":[]}`, rec.Body.String())
}

func multipartSend(t *testing.T, fields map[string]string, file []byte, fileMime string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if file != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="report.pdf"`)
		h.Set("Content-Type", fileMime)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/send", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(HeaderTenant, "alice")
	return req
}

func TestSendTextAndAttachment(t *testing.T) {
	ctl := &fakeControl{}
	srv := New(ctl, Options{}, nil, logx.Nop())

	rec := do(t, srv.Handler(), multipartSend(t, map[string]string{
		"message":    "hi",
		"recipients": `["r1","r2"]`,
	}, nil, ""))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"results":[{"recipient":"r1","outcome":"sent"},{"recipient":"r2","outcome":"sent"}]}`, rec.Body.String())

	rec = do(t, srv.Handler(), multipartSend(t, map[string]string{
		"message":    "see attached",
		"recipients": `["r1"]`,
	}, []byte("%PDF-1.4"), "application/pdf"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ctl.sent, 2)
	assert.Nil(t, ctl.sent[0].att)
	assert.Equal(t, []string{"r1", "r2"}, ctl.sent[0].recipients)
	att := ctl.sent[1].att
	require.NotNil(t, att)
	assert.Equal(t, "report.pdf", att.FileName)
	assert.Equal(t, "application/pdf", att.MimeType)
	assert.Equal(t, []byte("%PDF-1.4"), att.Data)
}

func TestSendRejectsBadInput(t *testing.T) {
	ctl := &fakeControl{}
	srv := New(ctl, Options{}, nil, logx.Nop())

	rec := do(t, srv.Handler(), multipartSend(t, map[string]string{"message": "hi", "recipients": "r1,r2"}, nil, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv.Handler(), multipartSend(t, map[string]string{"message": "hi"}, nil, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := tenantReq(http.MethodPost, "/send")
	assert.Equal(t, http.StatusBadRequest, do(t, srv.Handler(), req).Code)

	assert.Empty(t, ctl.sent)
}

func TestSendUploadLimit(t *testing.T) {
	ctl := &fakeControl{}
	srv := New(ctl, Options{MaxUploadBytes: 1024}, nil, logx.Nop())
	rec := do(t, srv.Handler(), multipartSend(t, map[string]string{"recipients": `["r1"]`}, bytes.Repeat([]byte("x"), 4096), "text/plain"))
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, rec.Code)
	assert.Empty(t, ctl.sent)
}

func TestSendNotConnected(t *testing.T) {
	ctl := &fakeControl{sendErr: &control.Error{Code: control.CodeNotConnected, Detail: "session is not connected"}}
	rec := do(t, New(ctl, Options{}, nil, logx.Nop()).Handler(), multipartSend(t, map[string]string{
		"message":    "hi",
		"recipients": `["r1"]`,
	}, nil, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "not_connected", decode(t, rec)["code"])
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("linkmux_up 1\n"))
	})
	srv := New(&fakeControl{}, Options{APIKey: "k"}, metrics, logx.Nop())
	rec := do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "linkmux_up 1\n", rec.Body.String())
}

func TestPprofIsOptIn(t *testing.T) {
	srv := New(&fakeControl{}, Options{APIKey: "k"}, nil, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/heap", nil)
	req.Header.Set(HeaderAPIKey, "k")
	assert.Equal(t, http.StatusNotFound, do(t, srv.Handler(), req).Code)

	srv.Apply(Options{APIKey: "k", Pprof: true})
	assert.Equal(t, http.StatusUnauthorized, do(t, srv.Handler(), httptest.NewRequest(http.MethodGet, "/debug/pprof/heap", nil)).Code)
	rec := do(t, srv.Handler(), req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugStateFollowsPprofGate(t *testing.T) {
	srv := New(&fakeControl{}, Options{APIKey: "k"}, nil, logx.Nop())
	srv.Expose("links", func() any { return map[string]int{"active": 2} })

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(HeaderAPIKey, "k")
		return do(t, srv.Handler(), req)
	}
	assert.Equal(t, http.StatusNotFound, get("/debug/state/links").Code)

	srv.Apply(Options{APIKey: "k", Pprof: true})
	rec := get("/debug/state/links")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":2}`, rec.Body.String())

	rec = get("/debug/state/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":["links"]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get("/debug/state/nope").Code)
}
