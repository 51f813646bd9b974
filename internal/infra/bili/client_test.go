package bili_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evhall/nocturne-audio-backend/internal/infra/bili"
)

func newTestClient(t *testing.T, handler http.Handler) *bili.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return bili.NewClient(
		bili.WithBaseURL(server.URL),
		bili.WithRateLimit(1000),
	)
}

func TestSearchParsesResults(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/x/web-interface/search/type" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("search_type"); got != "video" {
			t.Errorf("search_type = %q", got)
		}
		if got := r.URL.Query().Get("keyword"); got != "rain sounds" {
			t.Errorf("keyword = %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("page = %q", got)
		}
		if _, err := r.Cookie("buvid3"); err != nil {
			t.Error("missing buvid3 cookie")
		}
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"result":[
			{"bvid":"BV1aa","title":"<em class=\"keyword\">Rain</em> all night","author":"sleepy","pic":"//i0.example/cover1.jpg","duration":"1:02:03"},
			{"bvid":"BV1bb","title":"Thunderstorm","author":"storms","pic":"https://i1.example/cover2.jpg","duration":"12:34"},
			{"bvid":"","title":"not a video","author":"","pic":"","duration":""}
		]}}`)
	}))

	items, err := client.Search(context.Background(), "rain sounds", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 results, got %d", len(items))
	}

	first := items[0]
	if first.SourceID != "BV1aa" {
		t.Errorf("sourceId = %q", first.SourceID)
	}
	if first.Title != "Rain all night" {
		t.Errorf("highlight markup not stripped: %q", first.Title)
	}
	if first.CoverURL != "https://i0.example/cover1.jpg" {
		t.Errorf("cover not normalized: %q", first.CoverURL)
	}
	if first.DurationSec != 3723 {
		t.Errorf("duration = %d, want 3723", first.DurationSec)
	}
	if items[1].DurationSec != 754 {
		t.Errorf("duration = %d, want 754", items[1].DurationSec)
	}
}

func TestViewParsesParts(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/x/web-interface/view" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("bvid"); got != "BV1multi" {
			t.Errorf("bvid = %q", got)
		}
		fmt.Fprint(w, `{"code":0,"message":"0","data":{
			"bvid":"BV1multi","title":"Ocean waves","pic":"//i0.example/ocean.jpg","duration":3600,
			"owner":{"name":"coastal"},
			"pages":[
				{"cid":111,"page":1,"part":"Morning","duration":1800},
				{"cid":222,"page":2,"part":"Evening","duration":1800}
			]}}`)
	}))

	info, err := client.View(context.Background(), "BV1multi")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if info.Author != "coastal" {
		t.Errorf("author = %q", info.Author)
	}
	if len(info.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(info.Parts))
	}
	if info.Parts[1].CID != 222 || info.Parts[1].Title != "Evening" {
		t.Errorf("part 2 = %+v", info.Parts[1])
	}
}

func TestViewWithoutPagesIsNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"bvid":"BV1empty","title":"gone","pages":[]}}`)
	}))

	_, err := client.View(context.Background(), "BV1empty")
	if !errors.Is(err, bili.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAudioStreamURLPicksBestBandwidth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/x/player/playurl" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fnval"); got != "16" {
			t.Errorf("fnval = %q", got)
		}
		if got := r.URL.Query().Get("cid"); got != "111" {
			t.Errorf("cid = %q", got)
		}
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"dash":{"audio":[
			{"baseUrl":"https://cdn.example/low","bandwidth":64000},
			{"baseUrl":"https://cdn.example/high","bandwidth":192000},
			{"baseUrl":"","bandwidth":320000}
		]}}}`)
	}))

	streamURL, err := client.AudioStreamURL(context.Background(), "BV1aa", 111)
	if err != nil {
		t.Fatalf("AudioStreamURL: %v", err)
	}
	if streamURL != "https://cdn.example/high" {
		t.Errorf("streamURL = %q", streamURL)
	}
}

func TestAudioStreamURLWithoutAudio(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"dash":{"audio":[]}}}`)
	}))

	_, err := client.AudioStreamURL(context.Background(), "BV1aa", 111)
	if !errors.Is(err, bili.ErrNoAudioStream) {
		t.Fatalf("expected ErrNoAudioStream, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, "", bili.ErrRateLimited},
		{"bad gateway", http.StatusBadGateway, "", bili.ErrTemporaryFailure},
		{"service unavailable", http.StatusServiceUnavailable, "", bili.ErrTemporaryFailure},
		{"gateway timeout", http.StatusGatewayTimeout, "", bili.ErrTemporaryFailure},
		{"api not found", http.StatusOK, `{"code":-404,"message":"not found","data":null}`, bili.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))

			_, err := client.Search(context.Background(), "anything", 1)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAPIErrorCodeSurfacesMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-412,"message":"request blocked","data":null}`)
	}))

	_, err := client.Search(context.Background(), "anything", 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, bili.ErrNotFound) {
		t.Errorf("generic API error misclassified: %v", err)
	}
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{bili.ErrNotFound, true},
		{bili.ErrNoAudioStream, true},
		{bili.ErrRateLimited, false},
		{bili.ErrTemporaryFailure, false},
		{fmt.Errorf("view BV1: %w", bili.ErrNotFound), true},
		{errors.New("network down"), false},
	}
	for _, tt := range tests {
		if got := bili.IsPermanentError(tt.err); got != tt.want {
			t.Errorf("IsPermanentError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
