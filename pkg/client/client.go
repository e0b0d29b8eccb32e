// Package client is the Go SDK for the foodrelay API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithUser("ngo-42"))
//
//	// Browse what is on offer
//	ds, err := c.ListDonations(ctx, client.DonationQuery{Status: "available"})
//
//	// Claim one
//	res, err := c.Claim(ctx, ds[0].ID)
//
//	// A rider moves the delivery along
//	rider := c.As("rider-7")
//	v, err := rider.Advance(ctx, res.Delivery.ID, client.StatusUpdate{})
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As or the Is* helpers to inspect it.
//
// # Connection reuse
//
// Client is safe for concurrent use. Clients derived with As share one
// connection pool.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("foodrelay: server returned %d: %s", e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether the error is a 409 from the server: a lost
// claim race, an illegal status change or a busy partner.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsForbidden reports whether the error is a 403 from the server.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// ─── Domain types ─────────────────────────────────────────────────────────────

type (
	Profile           = types.Profile
	DonorOrganization = types.DonorOrganization
	NGOOrganization   = types.NGOOrganization
	DeliveryPartner   = types.DeliveryPartner
	GeoPoint          = types.GeoPoint
	Donation          = types.Donation
	Delivery          = types.Delivery
	Request           = types.NGORequest
	Notification      = types.Notification
	Event             = types.Event

	ProfileInput           = coordinator.ProfileInput
	ProfileView            = coordinator.ProfileView
	DonorOrganizationInput = coordinator.DonorOrganizationInput
	NGOOrganizationInput   = coordinator.NGOOrganizationInput
	PartnerInput           = coordinator.PartnerInput
	DonationInput          = coordinator.DonationInput
	ClaimResult            = coordinator.ClaimResult
	DeliveryView           = coordinator.DeliveryView
	StatusUpdate           = coordinator.StatusUpdate
	RequestInput           = coordinator.RequestInput
	AdminStats             = coordinator.AdminStats
	UserStats              = coordinator.UserStats
)

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
	Uptime string `json:"uptime"`
}

// Subscription is a registered webhook.
type Subscription struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Kinds     []types.EntityKind `json:"kinds,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// DonationQuery filters ListDonations. Zero values mean no filter.
type DonationQuery struct {
	Status string
	Mine   bool
}

// RequestQuery filters ListRequests.
type RequestQuery struct {
	Status string
	Mine   bool
}

// ─── Client options ───────────────────────────────────────────────────────────

type settings struct {
	apiKey  string
	user    string
	hc      *http.Client
	timeout time.Duration
	retries int
}

// ClientOption configures a Client.
type ClientOption func(*settings)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(s *settings) { s.apiKey = key }
}

// WithUser sets the identity sent in the X-User-Id header.
func WithUser(userID string) ClientOption {
	return func(s *settings) { s.user = userID }
}

// WithHTTPClient replaces the underlying http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(s *settings) { s.hc = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) { s.timeout = d }
}

// WithRetries retries requests that fail with a transport error or a 502,
// 503 or 504 up to n times with exponential backoff.
func WithRetries(n int) ClientOption {
	return func(s *settings) { s.retries = n }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the foodrelay API client. It is safe for concurrent use.
type Client struct {
	r    *resty.Client
	user string
}

// New creates a Client for the server at baseURL.
//
//	c := client.New("http://localhost:8080", client.WithUser("donor-1"))
func New(baseURL string, opts ...ClientOption) *Client {
	s := settings{timeout: 30 * time.Second}
	for _, o := range opts {
		o(&s)
	}

	r := resty.New()
	if s.hc != nil {
		r = resty.NewWithClient(s.hc)
	}
	r.SetBaseURL(baseURL).
		SetTimeout(s.timeout).
		SetHeader("Accept", "application/json")
	if s.apiKey != "" {
		r.SetHeader("X-Api-Key", s.apiKey)
	}
	if s.retries > 0 {
		r.SetRetryCount(s.retries).
			SetRetryWaitTime(100 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(retryable)
	}
	return &Client{r: r, user: s.user}
}

func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	switch resp.StatusCode() {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// As returns a client acting as userID that shares c's connection pool and
// settings.
func (c *Client) As(userID string) *Client {
	return &Client{r: c.r, user: userID}
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Profiles ─────────────────────────────────────────────────────────────────

// Register creates the caller's profile.
func (c *Client) Register(ctx context.Context, in ProfileInput) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodPost, "/profiles", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me returns the caller's profile with its role record.
func (c *Client) Me(ctx context.Context) (*ProfileView, error) {
	var out ProfileView
	if err := c.do(ctx, http.MethodGet, "/profiles/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProfiles lists profiles, optionally of one role. Admin only.
func (c *Client) ListProfiles(ctx context.Context, role string) ([]*ProfileView, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	var out struct {
		Profiles []*ProfileView `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/profiles", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

// VerifyProfile marks a profile verified. Admin only.
func (c *Client) VerifyProfile(ctx context.Context, id string) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/verify", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetProfileActive activates or deactivates a profile. Admin only.
func (c *Client) SetProfileActive(ctx context.Context, id string, active bool) (*Profile, error) {
	var out Profile
	body := map[string]bool{"active": active}
	if err := c.do(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/active", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupDonorOrganization creates or replaces the caller's donor organisation.
func (c *Client) SetupDonorOrganization(ctx context.Context, in DonorOrganizationInput) (*DonorOrganization, error) {
	var out DonorOrganization
	if err := c.do(ctx, http.MethodPut, "/organizations/donor", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupNGOOrganization creates or replaces the caller's NGO record.
func (c *Client) SetupNGOOrganization(ctx context.Context, in NGOOrganizationInput) (*NGOOrganization, error) {
	var out NGOOrganization
	if err := c.do(ctx, http.MethodPut, "/organizations/ngo", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetupPartner creates or replaces the caller's delivery partner record.
func (c *Client) SetupPartner(ctx context.Context, in PartnerInput) (*DeliveryPartner, error) {
	var out DeliveryPartner
	if err := c.do(ctx, http.MethodPut, "/partners/me", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetAvailability puts the calling partner on or off duty.
func (c *Client) SetAvailability(ctx context.Context, available bool) (*DeliveryPartner, error) {
	var out DeliveryPartner
	body := map[string]bool{"available": available}
	if err := c.do(ctx, http.MethodPost, "/partners/me/availability", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateLocation reports the calling partner's position.
func (c *Client) UpdateLocation(ctx context.Context, at GeoPoint) (*DeliveryPartner, error) {
	var out DeliveryPartner
	if err := c.do(ctx, http.MethodPost, "/partners/me/location", nil, at, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Donations ────────────────────────────────────────────────────────────────

// CreateDonation lists surplus food.
func (c *Client) CreateDonation(ctx context.Context, in DonationInput) (*Donation, error) {
	var out Donation
	if err := c.do(ctx, http.MethodPost, "/donations", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDonations returns the donations the caller may see, newest first.
func (c *Client) ListDonations(ctx context.Context, q DonationQuery) ([]*Donation, error) {
	var out struct {
		Donations []*Donation `json:"donations"`
	}
	if err := c.do(ctx, http.MethodGet, "/donations", filterQuery(q.Status, q.Mine), nil, &out); err != nil {
		return nil, err
	}
	return out.Donations, nil
}

// Donation fetches one donation.
func (c *Client) Donation(ctx context.Context, id string) (*Donation, error) {
	var out Donation
	if err := c.do(ctx, http.MethodGet, "/donations/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns every status change of a donation and its deliveries.
func (c *Client) History(ctx context.Context, id string) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/donations/"+url.PathEscape(id)+"/history", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Claim reserves an available donation for the calling NGO.
func (c *Client) Claim(ctx context.Context, id string) (*ClaimResult, error) {
	var out ClaimResult
	if err := c.do(ctx, http.MethodPost, "/donations/"+url.PathEscape(id)+"/claim", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Assign hands a claimed donation's pending job to a partner. Admin only.
func (c *Client) Assign(ctx context.Context, donationID, partnerID string) (*ClaimResult, error) {
	var out ClaimResult
	body := map[string]string{"partner_id": partnerID}
	if err := c.do(ctx, http.MethodPost, "/donations/"+url.PathEscape(donationID)+"/assign", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelDonation withdraws a donation before pickup.
func (c *Client) CancelDonation(ctx context.Context, id, reason string) (*Donation, error) {
	var out Donation
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/donations/"+url.PathEscape(id)+"/cancel", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Deliveries ───────────────────────────────────────────────────────────────

// ListDeliveries returns the deliveries the caller may see.
func (c *Client) ListDeliveries(ctx context.Context, status string) ([]*DeliveryView, error) {
	var out struct {
		Deliveries []*DeliveryView `json:"deliveries"`
	}
	if err := c.do(ctx, http.MethodGet, "/deliveries", filterQuery(status, false), nil, &out); err != nil {
		return nil, err
	}
	return out.Deliveries, nil
}

// OpenJobs returns the pending jobs nearest the calling partner first.
func (c *Client) OpenJobs(ctx context.Context) ([]*DeliveryView, error) {
	var out struct {
		Deliveries []*DeliveryView `json:"deliveries"`
	}
	if err := c.do(ctx, http.MethodGet, "/deliveries/jobs", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Deliveries, nil
}

// Delivery fetches one delivery with its donation.
func (c *Client) Delivery(ctx context.Context, id string) (*DeliveryView, error) {
	return c.deliveryCall(ctx, http.MethodGet, id, "", nil)
}

// Accept takes a pending or assigned job.
func (c *Client) Accept(ctx context.Context, id string) (*DeliveryView, error) {
	return c.deliveryCall(ctx, http.MethodPost, id, "/accept", nil)
}

// Advance moves a delivery to u.To, or to the next step when u.To is empty.
func (c *Client) Advance(ctx context.Context, id string, u StatusUpdate) (*DeliveryView, error) {
	return c.deliveryCall(ctx, http.MethodPost, id, "/advance", u)
}

// Decline hands a job back for redispatch.
func (c *Client) Decline(ctx context.Context, id, reason string) (*DeliveryView, error) {
	return c.deliveryCall(ctx, http.MethodPost, id, "/decline", map[string]string{"reason": reason})
}

func (c *Client) deliveryCall(ctx context.Context, method, id, suffix string, body any) (*DeliveryView, error) {
	var out DeliveryView
	if err := c.do(ctx, method, "/deliveries/"+url.PathEscape(id)+suffix, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Requests ─────────────────────────────────────────────────────────────────

// CreateRequest posts an NGO's food request.
func (c *Client) CreateRequest(ctx context.Context, in RequestInput) (*Request, error) {
	var out Request
	if err := c.do(ctx, http.MethodPost, "/requests", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRequests returns NGO requests, newest first.
func (c *Client) ListRequests(ctx context.Context, q RequestQuery) ([]*Request, error) {
	var out struct {
		Requests []*Request `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/requests", filterQuery(q.Status, q.Mine), nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// CloseRequest marks a request fulfilled or cancelled.
func (c *Client) CloseRequest(ctx context.Context, id string, fulfilled bool) (*Request, error) {
	var out Request
	body := map[string]bool{"fulfilled": fulfilled}
	if err := c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(id)+"/close", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Notifications ────────────────────────────────────────────────────────────

// Notifications returns the caller's notifications, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]*Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	var out struct {
		Notifications []*Notification `json:"notifications"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) (*Notification, error) {
	var out Notification
	if err := c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAllRead marks every unread notification read and returns how many
// changed.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	if err := c.do(ctx, http.MethodPost, "/notifications/read-all", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// AdminStats returns platform-wide counters. Admin only.
func (c *Client) AdminStats(ctx context.Context) (*AdminStats, error) {
	var out AdminStats
	if err := c.do(ctx, http.MethodGet, "/stats/admin", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyStats returns the caller's dashboard counters.
func (c *Client) MyStats(ctx context.Context) (*UserStats, error) {
	var out UserStats
	if err := c.do(ctx, http.MethodGet, "/stats/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

// Subscribe registers a webhook for the given entity kinds (all when empty).
// Admin only.
func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string, kinds ...string) (*Subscription, error) {
	var out Subscription
	body := map[string]any{"url": webhookURL, "secret": secret, "kinds": kinds}
	if err := c.do(ctx, http.MethodPost, "/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscriptions lists registered webhooks. Admin only.
func (c *Client) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	var out struct {
		Subscriptions []*Subscription `json:"subscriptions"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Subscriptions, nil
}

// Unsubscribe removes a webhook. Admin only.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil, nil)
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// errorBody is the server's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// do performs a single request. body is sent as JSON when non-nil and out is
// filled from the JSON response when non-nil. 204 No Content is success.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req := c.r.R().
		SetContext(ctx).
		SetError(&errorBody{})
	if c.user != "" {
		req.SetHeader("X-User-Id", c.user)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("foodrelay: request %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := ""
		if eb, ok := resp.Error().(*errorBody); ok {
			msg = eb.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

func filterQuery(status string, mine bool) url.Values {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if mine {
		q.Set("mine", strconv.FormatBool(true))
	}
	return q
}
