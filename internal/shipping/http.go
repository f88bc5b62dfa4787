package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hanko-field/fulfillment/internal/domain"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "hanko-field-fulfillment/1.0"
	maxResponseBytes = 1 << 20
)

// HTTPCarrier talks to a REST shipping aggregator with a bearer token.
type HTTPCarrier struct {
	name      string
	baseURL   *url.URL
	token     string
	userAgent string
	timeout   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
}

// HTTPOption customises an HTTPCarrier.
type HTTPOption func(*HTTPCarrier)

// WithHTTPClient overrides the transport client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPCarrier) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout bounds each carrier call.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPCarrier) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRateLimit caps outbound requests per second. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *HTTPCarrier) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header; some aggregators require a contact address in it.
func WithUserAgent(ua string) HTTPOption {
	return func(c *HTTPCarrier) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = strings.TrimSpace(ua)
		}
	}
}

// NewHTTPCarrier builds a carrier client rooted at baseURL.
func NewHTTPCarrier(name, baseURL, token string, opts ...HTTPOption) (*HTTPCarrier, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, errors.New("http carrier: name is required")
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("http carrier %s: invalid base url %q", name, baseURL)
	}
	c := &HTTPCarrier{
		name:      name,
		baseURL:   parsed,
		token:     strings.TrimSpace(token),
		userAgent: defaultUserAgent,
		timeout:   defaultTimeout,
		client:    &http.Client{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Name implements Carrier.
func (c *HTTPCarrier) Name() string { return c.name }

type cartRequest struct {
	Service   string           `json:"service"`
	From      addressPayload   `json:"from"`
	To        addressPayload   `json:"to"`
	Packages  []packagePayload `json:"volumes"`
	Declared  int64            `json:"insurance_value"`
	Reference string           `json:"reference,omitempty"`
}

type addressPayload struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Document   string `json:"document,omitempty"`
	Address    string `json:"address"`
	Complement string `json:"complement,omitempty"`
	Number     string `json:"number,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city"`
	State      string `json:"state_abbr,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country_id,omitempty"`
}

type packagePayload struct {
	Height int `json:"height"`
	Width  int `json:"width"`
	Length int `json:"length"`
	Weight int `json:"weight"`
}

func toAddressPayload(a domain.ShipmentAddress) addressPayload {
	return addressPayload{
		Name:       a.Name,
		Phone:      a.Phone,
		Email:      a.Email,
		Document:   a.Document,
		Address:    a.Line1,
		Complement: a.Line2,
		Number:     a.Number,
		District:   a.District,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

// AddToCart implements Carrier.
func (c *HTTPCarrier) AddToCart(ctx context.Context, req domain.ShipmentRequest) (CartResult, error) {
	body := cartRequest{
		Service:   req.ServiceCode,
		From:      toAddressPayload(req.From),
		To:        toAddressPayload(req.To),
		Declared:  req.Declared,
		Reference: req.Reference,
	}
	for _, p := range req.Packages {
		body.Packages = append(body.Packages, packagePayload(p))
	}
	var resp struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	message, ok, err := c.do(ctx, http.MethodPost, "/cart", body, &resp)
	if err != nil {
		return CartResult{}, err
	}
	if !ok {
		return CartResult{Message: message}, nil
	}
	if resp.ID == "" {
		return CartResult{Message: firstNonEmpty(resp.Message, "carrier returned no cart id")}, nil
	}
	return CartResult{Success: true, CartID: resp.ID, Message: resp.Message}, nil
}

// Checkout implements Carrier.
func (c *HTTPCarrier) Checkout(ctx context.Context, cartID string) (CheckoutResult, error) {
	var resp struct {
		ShipmentID string `json:"shipment_id"`
		Message    string `json:"message"`
	}
	message, ok, err := c.do(ctx, http.MethodPost, "/shipment/checkout", map[string]any{"orders": []string{cartID}}, &resp)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !ok {
		return CheckoutResult{Message: message}, nil
	}
	if resp.ShipmentID == "" {
		return CheckoutResult{Message: firstNonEmpty(resp.Message, "carrier returned no shipment id")}, nil
	}
	return CheckoutResult{Success: true, CarrierShipmentID: resp.ShipmentID, Message: resp.Message}, nil
}

// GenerateLabel implements Carrier.
func (c *HTTPCarrier) GenerateLabel(ctx context.Context, carrierShipmentID string) (LabelResult, error) {
	var resp struct {
		LabelURL       string `json:"label_url"`
		TrackingNumber string `json:"tracking"`
		Message        string `json:"message"`
	}
	message, ok, err := c.do(ctx, http.MethodPost, "/shipment/generate", map[string]any{"orders": []string{carrierShipmentID}}, &resp)
	if err != nil {
		return LabelResult{}, err
	}
	if !ok {
		return LabelResult{Message: message}, nil
	}
	return LabelResult{Success: true, LabelURL: resp.LabelURL, TrackingNumber: resp.TrackingNumber, Message: resp.Message}, nil
}

// PrintLabel implements Carrier.
func (c *HTTPCarrier) PrintLabel(ctx context.Context, carrierShipmentID string) (PrintResult, error) {
	var resp struct {
		URL     string `json:"url"`
		Message string `json:"message"`
	}
	message, ok, err := c.do(ctx, http.MethodPost, "/shipment/print", map[string]any{"mode": "private", "orders": []string{carrierShipmentID}}, &resp)
	if err != nil {
		return PrintResult{}, err
	}
	if !ok || resp.URL == "" {
		return PrintResult{Message: firstNonEmpty(message, resp.Message, "carrier returned no print url")}, nil
	}
	return PrintResult{Success: true, URL: resp.URL, Message: resp.Message}, nil
}

// CancelShipment implements Carrier.
func (c *HTTPCarrier) CancelShipment(ctx context.Context, carrierShipmentID string) (bool, error) {
	var resp struct {
		Canceled bool `json:"canceled"`
	}
	body := map[string]any{"order": map[string]string{"id": carrierShipmentID, "reason_id": "2", "description": "cancelled by merchant"}}
	_, ok, err := c.do(ctx, http.MethodPost, "/shipment/cancel", body, &resp)
	if err != nil {
		return false, err
	}
	return ok && resp.Canceled, nil
}

type trackingPayload struct {
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	City        string         `json:"city"`
	State       string         `json:"state"`
	Country     string         `json:"country"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// TrackingHistory implements Carrier.
func (c *HTTPCarrier) TrackingHistory(ctx context.Context, carrierShipmentID string) ([]TrackingEvent, error) {
	var resp struct {
		Events []trackingPayload `json:"events"`
	}
	message, ok, err := c.do(ctx, http.MethodGet, "/shipment/"+url.PathEscape(carrierShipmentID)+"/tracking", nil, &resp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("shipping: tracking history rejected: %s", message)
	}
	events := make([]TrackingEvent, 0, len(resp.Events))
	for _, e := range resp.Events {
		raw := map[string]any{"code": e.Code, "status": e.Status}
		for k, v := range e.Extra {
			raw[k] = v
		}
		events = append(events, TrackingEvent{
			Code:        e.Code,
			Description: e.Description,
			Status:      e.Status,
			City:        e.City,
			State:       e.State,
			Country:     e.Country,
			OccurredAt:  e.OccurredAt.UTC(),
			Raw:         raw,
		})
	}
	return events, nil
}

// do sends one request. A 4xx answer returns ok=false with the carrier message; 5xx and transport
// errors wrap ErrCarrierUnavailable.
func (c *HTTPCarrier) do(ctx context.Context, method, path string, in, out any) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", false, fmt.Errorf("%w: rate limit wait: %v", ErrCarrierUnavailable, err)
		}
	}

	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return "", false, fmt.Errorf("shipping: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return "", false, fmt.Errorf("shipping: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("%w: %s %s: %v", ErrCarrierUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", false, fmt.Errorf("%w: read response: %v", ErrCarrierUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", false, fmt.Errorf("%w: %s %s: status %d", ErrCarrierUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return errorMessage(data, resp.StatusCode), false, nil
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return "", false, fmt.Errorf("shipping: decode %s response: %w", path, err)
		}
	}
	return "", true, nil
}

func errorMessage(data []byte, status int) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if msg := firstNonEmpty(envelope.Message, envelope.Error); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("carrier responded with status %d", status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
