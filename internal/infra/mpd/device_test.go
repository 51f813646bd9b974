package mpd

import (
	"testing"

	gompd "github.com/fhs/gompd/v2/mpd"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
)

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		name      string
		prevState string
		prevSong  int
		status    gompd.Attrs
		want      []player.Event
	}{
		{
			name:      "playback starts",
			prevState: "",
			prevSong:  -1,
			status:    gompd.Attrs{"state": "play", "song": "0"},
			want: []player.Event{
				{Type: player.EventItemTransitioned, Index: 0},
				{Type: player.EventStateChanged, State: player.StateReady},
				{Type: player.EventStateChanged, State: player.StateReady},
				{Type: player.EventPlayingChanged, Playing: true},
			},
		},
		{
			name:      "pause",
			prevState: "play",
			prevSong:  0,
			status:    gompd.Attrs{"state": "pause", "song": "0"},
			want: []player.Event{
				{Type: player.EventPlayingChanged, Playing: false},
			},
		},
		{
			name:      "resume from pause has no ready event",
			prevState: "pause",
			prevSong:  0,
			status:    gompd.Attrs{"state": "play", "song": "0"},
			want: []player.Event{
				{Type: player.EventPlayingChanged, Playing: true},
			},
		},
		{
			name:      "track advance",
			prevState: "play",
			prevSong:  0,
			status:    gompd.Attrs{"state": "play", "song": "1"},
			want: []player.Event{
				{Type: player.EventItemTransitioned, Index: 1},
				{Type: player.EventStateChanged, State: player.StateReady},
			},
		},
		{
			name:      "queue runs out",
			prevState: "play",
			prevSong:  2,
			status:    gompd.Attrs{"state": "stop"},
			want: []player.Event{
				{Type: player.EventStateChanged, State: player.StateEnded},
				{Type: player.EventPlayingChanged, Playing: false},
			},
		},
		{
			name:      "stop without prior playback is idle",
			prevState: "",
			prevSong:  -1,
			status:    gompd.Attrs{"state": "stop"},
			want: []player.Event{
				{Type: player.EventStateChanged, State: player.StateIdle},
				{Type: player.EventPlayingChanged, Playing: false},
			},
		},
		{
			name:      "decoder error is surfaced",
			prevState: "play",
			prevSong:  0,
			status:    gompd.Attrs{"state": "play", "song": "0", "error": "Failed to decode stream"},
			want: []player.Event{
				{Type: player.EventError, Message: "Failed to decode stream"},
			},
		},
		{
			name:      "no change",
			prevState: "play",
			prevSong:  1,
			status:    gompd.Attrs{"state": "play", "song": "1"},
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateStatus(tt.prevState, tt.prevSong, tt.status)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("event %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
