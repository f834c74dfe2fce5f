package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	ActionSearchPlaces = "search_places"
	defaultSearchLimit = 3
)

type PlaceQuery struct {
	Query    string `json:"query"`
	Location string `json:"location,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type Place struct {
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Phone   string  `json:"phone"`
	Rating  float64 `json:"rating"`
	URL     string  `json:"url"`
}

// PlaceSearchTool returns deterministic mock places. A real geocoding or
// listings API would sit behind the same shape.
type PlaceSearchTool struct {
	logger *slog.Logger
}

func NewPlaceSearchTool(logger *slog.Logger) *PlaceSearchTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaceSearchTool{logger: logger.With("tool", "place_search")}
}

func (t *PlaceSearchTool) Name() string {
	return "place_search"
}

func (t *PlaceSearchTool) Description() string {
	return "Search for restaurants and other places near a location"
}

func (t *PlaceSearchTool) Capabilities() []string {
	return []string{"search"}
}

func (t *PlaceSearchTool) Invoke(ctx context.Context, action string, input json.RawMessage, tc ToolContext) (*Result, error) {
	if action != "" && action != ActionSearchPlaces {
		return nil, unsupported(t.Name(), action)
	}
	var q PlaceQuery
	if err := json.Unmarshal(input, &q); err != nil {
		return nil, invalidInput(t.Name(), ActionSearchPlaces, err)
	}
	if strings.TrimSpace(q.Query) == "" {
		return nil, invalidInput(t.Name(), ActionSearchPlaces, errors.New("query is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, &ToolError{Tool: t.Name(), Action: ActionSearchPlaces, Code: "cancelled", Err: err}
	}

	t.logger.Info("searching places", "query", q.Query, "location", q.Location, "task_id", tc.TaskID)
	places := mockPlaces(q)

	return marshalResult(t.Name(), map[string]any{
		"query":     q.Query,
		"location":  q.Location,
		"places":    places,
		"total":     len(places),
		"timestamp": tc.Now.UTC().Format(time.RFC3339),
	})
}

func mockPlaces(q PlaceQuery) []Place {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	where := q.Location
	if where == "" {
		where = "Downtown"
	}
	places := make([]Place, 0, limit)
	for i := 1; i <= limit; i++ {
		places = append(places, Place{
			Name:    fmt.Sprintf("%s %d", titleCase(q.Query), i),
			Address: fmt.Sprintf("%d Main Street, %s", 100*i, where),
			Phone:   fmt.Sprintf("+1555000%04d", i),
			Rating:  5.0 - 0.3*float64(i-1),
			URL:     fmt.Sprintf("https://example.com/places?q=%s&result=%d", url.QueryEscape(q.Query), i),
		})
	}
	return places
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
