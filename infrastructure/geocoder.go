package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"AnonChatService/config"
	"AnonChatService/internal/service"

	"go.uber.org/zap"
)

// nominatimPlace элемент ответа геокодера в формате Nominatim
type nominatimPlace struct {
	Lat     string `json:"lat"`
	Lon     string `json:"lon"`
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
	} `json:"address"`
}

// HTTPGeocoder определяет координаты через HTTP API в формате Nominatim
type HTTPGeocoder struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewHTTPGeocoder создает новый экземпляр HTTPGeocoder
func NewHTTPGeocoder(cfg config.GeocoderConfig, logger *zap.Logger) *HTTPGeocoder {
	return &HTTPGeocoder{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.URL,
		logger:  logger,
	}
}

// Geocode ищет адрес в пределах страны; отсутствие результата не ошибка
func (g *HTTPGeocoder) Geocode(ctx context.Context, address, countryCode string) (*service.GeoResult, error) {
	query := url.Values{}
	query.Set("q", address)
	query.Set("format", "json")
	query.Set("addressdetails", "1")
	query.Set("limit", "1")
	if countryCode != "" {
		query.Set("countrycodes", strings.ToLower(countryCode))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "AnonChatService")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocode %q: unexpected status %d", address, resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("geocode %q: decode response: %w", address, err)
	}
	if len(places) == 0 {
		g.logger.Debug("Address not found", zap.String("address", address))
		return nil, nil
	}

	place := places[0]
	lat, err := strconv.ParseFloat(place.Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: latitude: %w", address, err)
	}
	lon, err := strconv.ParseFloat(place.Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("geocode %q: longitude: %w", address, err)
	}

	city := place.Address.City
	if city == "" {
		city = place.Address.Town
	}
	if city == "" {
		city = place.Address.Village
	}

	return &service.GeoResult{City: city, Latitude: lat, Longitude: lon}, nil
}
