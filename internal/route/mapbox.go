package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
)

// MapboxClient performs geocoding and driving directions against the Mapbox
// HTTP APIs.
type MapboxClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewMapboxClient(baseURL, token string) *MapboxClient {
	if baseURL == "" {
		baseURL = "https://api.mapbox.com"
	}
	return &MapboxClient{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (m *MapboxClient) Geocode(ctx context.Context, query string) ([]Place, error) {
	query = strings.TrimSpace(query)
	if len(query) <= 2 {
		return nil, ErrQueryTooShort
	}
	u := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json?access_token=%s&autocomplete=true&limit=%d",
		m.BaseURL, url.PathEscape(query), url.QueryEscape(m.Token), maxSuggestions)
	var out struct {
		Features []struct {
			PlaceName string `json:"place_name"`
			Geometry  struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := m.getJSON(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("mapbox geocode: %w", err)
	}
	places := make([]Place, 0, len(out.Features))
	for _, f := range out.Features {
		c, ok := lonLat(f.Geometry.Coordinates)
		if !ok {
			continue
		}
		places = append(places, Place{Name: f.PlaceName, Coord: c})
		if len(places) == maxSuggestions {
			break
		}
	}
	return places, nil
}

func (m *MapboxClient) Directions(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	u := fmt.Sprintf("%s/directions/v5/mapbox/driving/%.6f,%.6f;%.6f,%.6f?geometries=geojson&access_token=%s",
		m.BaseURL, from.Lon, from.Lat, to.Lon, to.Lat, url.QueryEscape(m.Token))
	var out struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := m.getJSON(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("mapbox directions: %w", err)
	}
	if len(out.Routes) == 0 {
		return nil, ErrNoRoute
	}
	return polyline(out.Routes[0].Geometry.Coordinates)
}

func (m *MapboxClient) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func polyline(coords [][]float64) ([]models.Coord, error) {
	out := make([]models.Coord, 0, len(coords))
	for _, p := range coords {
		if c, ok := lonLat(p); ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRoute
	}
	return out, nil
}
