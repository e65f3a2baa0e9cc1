package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"changehook/internal/audit"
	"changehook/internal/changefeed"
	"changehook/internal/model"
	"changehook/internal/queue"
	"changehook/internal/store"
	"changehook/internal/webhooks"
)

type ServerSuite struct {
	suite.Suite
	store   *store.Memory
	queue   *queue.Memory
	feed    *changefeed.Broker
	handler http.Handler
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.store = store.NewMemory()
	s.queue = queue.NewMemory(0)
	s.feed = changefeed.NewBroker()
	d := webhooks.NewDispatcher(s.store, s.store, s.queue)
	s.handler = NewServer(Deps{
		Store:      s.store,
		Audit:      audit.NewService(s.store, d, audit.WithSinks(s.feed)),
		Dispatcher: d,
		Queue:      s.queue,
		Feed:       s.feed,
		Info:       map[string]any{"queue": "memory"},
	}).Routes()
}

func (s *ServerSuite) TearDownTest() {
	_ = s.queue.Close()
}

func (s *ServerSuite) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		s.Require().NoError(err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *ServerSuite) decode(rr *httptest.ResponseRecorder, dst any) {
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func siteMutation(id, action, status string) map[string]any {
	m := map[string]any{
		"object_type": "dcim.site",
		"object_id":   id,
		"repr":        "site " + id,
		"action":      action,
	}
	fields := map[string]any{"name": "site " + id, "status": status, "asn": 65001}
	if action != "delete" {
		m["postchange"] = fields
	}
	if action != "create" {
		m["prechange"] = fields
	}
	return m
}

func (s *ServerSuite) createWebhook(body map[string]any) webhookOut {
	rr := s.do(http.MethodPost, "/v1/webhooks", body)
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	var out webhookOut
	s.decode(rr, &out)
	return out
}

func siteHook(name string) map[string]any {
	return map[string]any{
		"name":          name,
		"content_types": []string{"DCIM.Site"},
		"type_create":   true,
		"type_update":   true,
		"payload_url":   "https://hooks.example.com/" + name,
		"secret":        "s3cret",
	}
}

func (s *ServerSuite) TestHealthReady() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/readyz", nil).Code)

	rr := s.do(http.MethodGet, "/debug/info", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var info map[string]any
	s.decode(rr, &info)
	s.Contains(info, "build")
	s.EqualValues(0, info["queue_length"])

	rr = s.do(http.MethodGet, "/openapi.yaml", nil)
	s.Equal(http.StatusOK, rr.Code)
	s.Contains(rr.Body.String(), "/v1/changes")
}

func (s *ServerSuite) TestRecordAndListChanges() {
	body := map[string]any{"mutations": []any{
		siteMutation("1", "create", "planned"),
		siteMutation("1", "update", "active"),
	}}
	rr := s.do(http.MethodPost, "/v1/changes", body, "X-User", "alice", webhooks.RequestIDHeader, "req-1")
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	s.Equal("req-1", rr.Header().Get(webhooks.RequestIDHeader))

	var res audit.CommitResult
	s.decode(rr, &res)
	s.Equal("req-1", res.RequestID)
	s.Require().Len(res.Changes, 2)
	s.Equal("alice", res.Changes[0].User)
	s.Equal(model.ActionUpdate, res.Changes[1].Action)

	rr = s.do(http.MethodGet, "/v1/changes?request_id=req-1&order=asc", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var page struct {
		Items      []model.ObjectChange `json:"items"`
		NextCursor string               `json:"nextCursor"`
	}
	s.decode(rr, &page)
	s.Require().Len(page.Items, 2)
	s.Equal(0, page.Items[0].Seq)
	s.Equal(model.ActionCreate, page.Items[0].Action)
	s.Empty(page.NextCursor)

	rr = s.do(http.MethodGet, "/v1/changes/"+page.Items[1].ID, nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var one model.ObjectChange
	s.decode(rr, &one)
	status, ok := one.PostChange.Lookup("status")
	s.Require().True(ok)
	s.True(model.String("active").Equal(status))

	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/changes/missing", nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/v1/changes?since=yesterday", nil).Code)
}

func (s *ServerSuite) TestRecordRejectsReusedRequestID() {
	body := map[string]any{"mutations": []any{siteMutation("5", "create", "active")}}
	rr := s.do(http.MethodPost, "/v1/changes", body, webhooks.RequestIDHeader, "req-once")
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())

	body = map[string]any{"mutations": []any{siteMutation("6", "create", "active")}}
	rr = s.do(http.MethodPost, "/v1/changes", body, webhooks.RequestIDHeader, "req-once")
	s.Equal(http.StatusConflict, rr.Code, rr.Body.String())

	rr = s.do(http.MethodGet, "/v1/changes?request_id=req-once", nil)
	var page struct {
		Items []model.ObjectChange `json:"items"`
	}
	s.decode(rr, &page)
	s.Require().Len(page.Items, 1)
	s.Equal("5", page.Items[0].ChangedObjectID)
}

func (s *ServerSuite) TestRecordRejectsInvalidUnits() {
	s.Run("no mutations", func() {
		rr := s.do(http.MethodPost, "/v1/changes", map[string]any{"mutations": []any{}})
		s.Equal(http.StatusBadRequest, rr.Code)
	})
	s.Run("malformed json", func() {
		rr := s.do(http.MethodPost, "/v1/changes", `{"mutations":`)
		s.Equal(http.StatusBadRequest, rr.Code)
	})
	s.Run("unknown action", func() {
		rr := s.do(http.MethodPost, "/v1/changes", map[string]any{"mutations": []any{siteMutation("1", "rename", "active")}})
		s.Equal(http.StatusBadRequest, rr.Code)
	})
	s.Run("missing object id aborts the whole unit", func() {
		bad := siteMutation("", "create", "active")
		rr := s.do(http.MethodPost, "/v1/changes",
			map[string]any{"mutations": []any{siteMutation("2", "create", "active"), bad}},
			webhooks.RequestIDHeader, "req-bad")
		s.Equal(http.StatusBadRequest, rr.Code)
		s.Contains(rr.Body.String(), "mutation 1")

		rr = s.do(http.MethodGet, "/v1/changes?request_id=req-bad", nil)
		s.NotContains(rr.Body.String(), "req-bad")
	})
}

func (s *ServerSuite) TestRecordAbortDiscardsEverything() {
	s.createWebhook(siteHook("abort-hook"))
	rr := s.do(http.MethodPost, "/v1/changes", map[string]any{
		"abort":     true,
		"mutations": []any{siteMutation("3", "create", "active")},
	})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var out map[string]any
	s.decode(rr, &out)
	s.Equal(true, out["aborted"])

	rr = s.do(http.MethodGet, "/v1/changes", nil)
	var page struct {
		Items []model.ObjectChange `json:"items"`
	}
	s.decode(rr, &page)
	s.Empty(page.Items)

	n, err := s.queue.Len(context.Background())
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ServerSuite) TestWebhookLifecycle() {
	created := s.createWebhook(siteHook("sites"))
	s.NotEmpty(created.ID)
	s.True(created.HasSecret)
	s.Empty(created.Secret)
	s.Equal([]string{"dcim.site"}, created.ContentTypes)
	s.True(created.Enabled)

	s.Run("name is unique", func() {
		s.Equal(http.StatusConflict, s.do(http.MethodPost, "/v1/webhooks", siteHook("SITES")).Code)
	})
	s.Run("validation", func() {
		for name, mutate := range map[string]func(map[string]any){
			"relative url":     func(b map[string]any) { b["payload_url"] = "/hook" },
			"no trigger":       func(b map[string]any) { b["type_create"], b["type_update"] = false, false },
			"no content types": func(b map[string]any) { b["content_types"] = []string{} },
			"reserved header":  func(b map[string]any) { b["additional_headers"] = map[string]string{"X-Hook-Signature": "x"} },
			"bad method":       func(b map[string]any) { b["http_method"] = "TRACE" },
			"bad conditions":   func(b map[string]any) { b["conditions"] = map[string]any{"and": "status"} },
		} {
			body := siteHook("invalid-" + strings.ReplaceAll(name, " ", "-"))
			mutate(body)
			rr := s.do(http.MethodPost, "/v1/webhooks", body)
			s.Equal(http.StatusBadRequest, rr.Code, name)
		}
	})

	rr := s.do(http.MethodPatch, "/v1/webhooks/"+created.ID, map[string]any{"enabled": false, "http_method": "put"})
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var updated webhookOut
	s.decode(rr, &updated)
	s.False(updated.Enabled)
	s.Equal(http.MethodPut, updated.HTTPMethod)
	s.True(updated.HasSecret)
	s.NotContains(rr.Body.String(), "s3cret")

	rr = s.do(http.MethodGet, "/v1/webhooks", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	s.NotContains(rr.Body.String(), "s3cret")

	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/v1/webhooks/"+created.ID, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/webhooks/"+created.ID, nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/v1/webhooks/"+created.ID, nil).Code)
}

func (s *ServerSuite) commitSite(id, requestID string) audit.CommitResult {
	rr := s.do(http.MethodPost, "/v1/changes",
		map[string]any{"mutations": []any{siteMutation(id, "create", "active")}},
		webhooks.RequestIDHeader, requestID)
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	var res audit.CommitResult
	s.decode(rr, &res)
	return res
}

func (s *ServerSuite) TestDeliveryAdmin() {
	hook := s.createWebhook(siteHook("deliveries"))
	res := s.commitSite("10", "req-d")
	s.Require().Len(res.Jobs, 1)
	job := res.Jobs[0]
	s.Equal(hook.ID, job.WebhookID)
	s.Equal(model.JobPending, job.Status)

	rr := s.do(http.MethodGet, "/v1/admin/deliveries?status=pending&request_id=req-d", nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var page struct {
		Items []model.DeliveryJob `json:"items"`
	}
	s.decode(rr, &page)
	s.Require().Len(page.Items, 1)
	s.Equal(job.ID, page.Items[0].ID)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/v1/admin/deliveries?status=lost", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/admin/deliveries/missing", nil).Code)

	s.Run("retry of a pending job conflicts", func() {
		s.Equal(http.StatusConflict, s.do(http.MethodPost, "/v1/admin/deliveries/"+job.ID+"/retry", nil).Code)
	})

	rr = s.do(http.MethodPost, "/v1/admin/deliveries/"+job.ID+"/cancel", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var cancelled model.DeliveryJob
	s.decode(rr, &cancelled)
	s.Equal(model.JobCancelled, cancelled.Status)
	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/v1/admin/deliveries/"+job.ID+"/cancel", nil).Code)

	rr = s.do(http.MethodPost, "/v1/admin/deliveries/"+job.ID+"/retry", nil)
	s.Require().Equal(http.StatusAccepted, rr.Code, rr.Body.String())
	var retried model.DeliveryJob
	s.decode(rr, &retried)
	s.Equal(model.JobPending, retried.Status)
	s.Zero(retried.AttemptCount)

	rr = s.do(http.MethodGet, "/v1/admin/deliveries/stats?sinceHours=1&buckets=50,250", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	var stats struct {
		Items []store.DeliveryStat `json:"items"`
	}
	s.decode(rr, &stats)
	s.Require().NotEmpty(stats.Items)
	s.Equal([]int{50, 250}, stats.Items[0].LatencyEdges)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/v1/admin/deliveries/stats?buckets=500,100", nil).Code)
}

func (s *ServerSuite) TestDeleteWebhookCancelsQueuedJobs() {
	hook := s.createWebhook(siteHook("doomed"))
	res := s.commitSite("11", "req-del")
	s.Require().Len(res.Jobs, 1)

	s.Require().Equal(http.StatusNoContent, s.do(http.MethodDelete, "/v1/webhooks/"+hook.ID, nil).Code)

	rr := s.do(http.MethodGet, "/v1/admin/deliveries/"+res.Jobs[0].ID, nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	var job model.DeliveryJob
	s.decode(rr, &job)
	s.Equal(model.JobCancelled, job.Status)
}

func (s *ServerSuite) TestConditionsFilterDispatch() {
	body := siteHook("planned-only")
	body["conditions"] = map[string]any{"attr": "status", "value": "planned"}
	s.createWebhook(body)

	res := s.commitSite("12", "req-cond")
	s.Empty(res.Jobs)
}

func (s *ServerSuite) TestChangeStream() {
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/changes/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	s.Require().NoError(conn.WriteJSON(wsMessage{Type: "subscribe", ID: "early"}))
	var msg wsMessage
	s.Require().NoError(conn.ReadJSON(&msg))
	s.Equal("error", msg.Type)

	s.Require().NoError(conn.WriteJSON(wsMessage{Type: "connection_init"}))
	s.Require().NoError(conn.ReadJSON(&msg))
	s.Equal("connection_ack", msg.Type)

	s.Require().NoError(conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"object_types":["dcim.site"]}`)}))
	s.Require().Eventually(func() bool { return s.feed.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.commitSite("20", "req-stream")

	s.Require().NoError(conn.ReadJSON(&msg))
	s.Equal("next", msg.Type)
	s.Equal("1", msg.ID)
	var change model.ObjectChange
	s.Require().NoError(json.Unmarshal(msg.Payload, &change))
	s.Equal("dcim.site", change.ChangedObjectType)
	s.Equal("20", change.ChangedObjectID)
	s.Equal("req-stream", change.RequestID)

	s.Require().NoError(conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	s.Require().NoError(conn.ReadJSON(&msg))
	s.Equal("complete", msg.Type)
	s.Require().Eventually(func() bool { return s.feed.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *ServerSuite) TestOriginChecker() {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/changes/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	s.True(originChecker(nil)(req("https://evil.example")))

	check := originChecker([]string{"https://ui.example.com"})
	s.True(check(req("")))
	s.True(check(req("https://UI.example.com")))
	s.False(check(req("https://evil.example")))
	s.True(originChecker([]string{"*"})(req("https://evil.example")))
}
