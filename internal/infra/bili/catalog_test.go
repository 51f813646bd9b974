package bili_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
	"github.com/evhall/nocturne-audio-backend/internal/infra/bili"
)

// catalogFixture serves view metadata for one three-part video and playurl
// responses per part. Parts listed in failCIDs resolve with no audio stream.
func catalogFixture(t *testing.T, failCIDs map[string]bool) *bili.Catalog {
	t.Helper()
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/x/web-interface/view":
			fmt.Fprint(w, `{"code":0,"message":"0","data":{
				"bvid":"BV1sea","title":"Sea ambience","pic":"//i0.example/sea.jpg","duration":5400,
				"owner":{"name":"coastal"},
				"pages":[
					{"cid":101,"page":1,"part":"Dawn","duration":1800},
					{"cid":102,"page":2,"part":"Noon","duration":1800},
					{"cid":103,"page":3,"part":"Dusk","duration":0}
				]}}`)
		case "/x/player/playurl":
			cid := r.URL.Query().Get("cid")
			if failCIDs[cid] {
				fmt.Fprint(w, `{"code":0,"message":"0","data":{"dash":{"audio":[]}}}`)
				return
			}
			fmt.Fprintf(w, `{"code":0,"message":"0","data":{"dash":{"audio":[
				{"baseUrl":"https://cdn.example/audio-%s","bandwidth":192000}
			]}}}`, cid)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	return bili.NewCatalog(client)
}

func TestFirstPartResolvesOnlyPageOne(t *testing.T) {
	catalog := catalogFixture(t, nil)

	entry, err := catalog.FirstPart(context.Background(), player.Item{SourceID: "BV1sea"})
	if err != nil {
		t.Fatalf("FirstPart: %v", err)
	}
	if entry.Page != 1 || entry.Pages != 3 {
		t.Errorf("page/pages = %d/%d, want 1/3", entry.Page, entry.Pages)
	}
	if entry.StreamURL != "https://cdn.example/audio-101" {
		t.Errorf("streamURL = %q", entry.StreamURL)
	}
	if entry.Title != "Sea ambience · Dawn" {
		t.Errorf("title = %q", entry.Title)
	}
	if entry.Author != "coastal" {
		t.Errorf("author = %q", entry.Author)
	}
	if entry.CoverURL != "https://i0.example/sea.jpg" {
		t.Errorf("cover = %q", entry.CoverURL)
	}
}

func TestAllPartsResolvesEverything(t *testing.T) {
	catalog := catalogFixture(t, nil)

	entries, err := catalog.AllParts(context.Background(), player.Item{SourceID: "BV1sea"})
	if err != nil {
		t.Fatalf("AllParts: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Page != i+1 {
			t.Errorf("entry %d: page %d", i, e.Page)
		}
	}
	// A part without its own duration falls back to the video duration.
	if entries[2].DurationSec != 5400 {
		t.Errorf("part 3 duration = %d, want fallback 5400", entries[2].DurationSec)
	}
}

func TestAllPartsFailsFast(t *testing.T) {
	catalog := catalogFixture(t, map[string]bool{"102": true})

	_, err := catalog.AllParts(context.Background(), player.Item{SourceID: "BV1sea"})
	if !errors.Is(err, bili.ErrNoAudioStream) {
		t.Fatalf("expected ErrNoAudioStream, got %v", err)
	}
}

func TestRemainingPartsSkipsFailedParts(t *testing.T) {
	catalog := catalogFixture(t, map[string]bool{"102": true})

	entries, err := catalog.RemainingParts(context.Background(), "BV1sea")
	if err != nil {
		t.Fatalf("RemainingParts: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving part, got %d", len(entries))
	}
	if entries[0].Page != 3 {
		t.Errorf("expected page 3, got %d", entries[0].Page)
	}
}

func TestRemainingPartsFailsWhenNothingResolves(t *testing.T) {
	catalog := catalogFixture(t, map[string]bool{"102": true, "103": true})

	_, err := catalog.RemainingParts(context.Background(), "BV1sea")
	if err == nil {
		t.Fatal("expected error when no part resolves")
	}
}

func TestRemainingPartsOfSinglePartVideo(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{
			"bvid":"BV1solo","title":"Single","duration":600,
			"owner":{"name":"one"},
			"pages":[{"cid":201,"page":1,"part":"","duration":600}]}}`)
	}))
	catalog := bili.NewCatalog(client)

	entries, err := catalog.RemainingParts(context.Background(), "BV1solo")
	if err != nil {
		t.Fatalf("RemainingParts: %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil for a single-part video, got %v", entries)
	}
}
