package bili

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/evhall/nocturne-audio-backend/internal/domain/player"
)

// Catalog adapts the API client to the coordinator's catalog contract.
type Catalog struct {
	client *Client
}

var _ player.Catalog = (*Catalog)(nil)

// NewCatalog wraps an API client.
func NewCatalog(client *Client) *Catalog {
	return &Catalog{client: client}
}

// FirstPart resolves only the first part of a selection: the cheap, fast path
// to audible output.
func (c *Catalog) FirstPart(ctx context.Context, item player.Item) (player.Entry, error) {
	info, err := c.client.View(ctx, item.SourceID)
	if err != nil {
		return player.Entry{}, err
	}
	return c.resolvePart(ctx, info, info.Parts[0])
}

// AllParts resolves every part of a selection in order.
func (c *Catalog) AllParts(ctx context.Context, item player.Item) ([]player.Entry, error) {
	info, err := c.client.View(ctx, item.SourceID)
	if err != nil {
		return nil, err
	}
	return c.resolveParts(ctx, info, info.Parts, true)
}

// RemainingParts resolves parts 2..N of a multi-part video. Individual part
// failures are skipped; the call fails only when nothing resolves.
func (c *Catalog) RemainingParts(ctx context.Context, sourceID string) ([]player.Entry, error) {
	info, err := c.client.View(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(info.Parts) < 2 {
		return nil, nil
	}
	return c.resolveParts(ctx, info, info.Parts[1:], false)
}

// resolveParts resolves a run of parts. With failFast set the first failure
// aborts; otherwise failed parts are dropped and at least one part must
// survive.
func (c *Catalog) resolveParts(ctx context.Context, info *VideoInfo, parts []PartInfo, failFast bool) ([]player.Entry, error) {
	entries := make([]player.Entry, 0, len(parts))
	var lastErr error
	for _, p := range parts {
		entry, err := c.resolvePart(ctx, info, p)
		if err != nil {
			if failFast {
				return nil, err
			}
			lastErr = err
			log.Warn().Err(err).Str("sourceId", info.SourceID).Int("page", p.Page).Msg("Skipping unresolvable part")
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no part resolved: %w", lastErr)
	}
	return entries, nil
}

func (c *Catalog) resolvePart(ctx context.Context, info *VideoInfo, part PartInfo) (player.Entry, error) {
	streamURL, err := c.client.AudioStreamURL(ctx, info.SourceID, part.CID)
	if err != nil {
		return player.Entry{}, err
	}

	title := info.Title
	if len(info.Parts) > 1 && part.Title != "" {
		title = fmt.Sprintf("%s · %s", info.Title, part.Title)
	}

	duration := part.DurationSec
	if duration == 0 {
		duration = info.DurationSec
	}

	return player.Entry{
		SourceID:    info.SourceID,
		Page:        part.Page,
		Pages:       len(info.Parts),
		Title:       title,
		Author:      info.Author,
		CoverURL:    info.CoverURL,
		DurationSec: duration,
		StreamURL:   streamURL,
	}, nil
}
