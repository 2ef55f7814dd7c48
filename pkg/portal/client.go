package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wwzsync/wwzsync/pkg/common"
	"github.com/wwzsync/wwzsync/pkg/log"
	"github.com/wwzsync/wwzsync/pkg/types"
)

const (
	defaultBaseURL = "https://cpp01.wwz.ch"

	// the portal really does use double-slash paths; they are sent verbatim
	loginPath            = "//loginRegistration/rest/loginService/login"
	validationPath       = "//loginRegistration/rest/loginService/validation"
	contractAccountsPath = "//switchContractAccount/rest/switchContractAccount/contractAccounts"
	meterPointsPath      = "//wwz/rest/WWZMeterProfileViewWWZService/getMeterPoints"
	meterPointIDPath     = "//wwz/rest/WWZMeterProfileViewWWZService/getMeterPointId"
	diagramValuesPath    = "//wwz/rest/WWZSmartMeterService/getDiagramValues"

	// clientID is the fixed client discriminator the portal expects in every
	// login-service payload.
	clientID = "wwz"

	defaultUnit = "kWh"
)

// Zurich is the portal's reference time zone. Calendar-day boundaries are
// always interpreted in it, regardless of where this process runs.
var Zurich = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		panic(fmt.Errorf("failed to load Europe/Zurich location: %w", err))
	}
	return loc
}()

// Client owns one authenticated session against the WWZ metering portal.
// The portal tracks sessions in cookies and additionally scopes the data
// endpoint's authorization to server-side context established by the warm-up
// sequence in Login, so the transport session (cookie jar included) is
// exclusively owned by one Client.
//
// A Client is safe for use by a single logical flow at a time; callers that
// share one must serialize access themselves.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string

	mu sync.Mutex
	// token is the opaque payload returned by login, echoed back verbatim in
	// the contract-accounts warm-up call.
	token             json.RawMessage
	contractAccountID string
	meterNumber       string
	meterID           string
	closed            bool
}

// NewClient creates an unauthenticated Client for the given credentials.
func NewClient(username, password string) *Client {
	return &Client{
		client:   common.CookieHTTPClient(time.Minute),
		baseURL:  defaultBaseURL,
		username: username,
		password: password,
	}
}

// frontEndMessage is the portal's status envelope. MessageType 0 is the
// success sentinel; Message is free text shown to portal users.
type frontEndMessage struct {
	MessageType int    `json:"messageType"`
	Message     string `json:"message"`
}

type portalEnvelope struct {
	Data            json.RawMessage  `json:"data"`
	FrontEndMessage *frontEndMessage `json:"frontEndMessage"`
}

// Login performs the full authentication flow: session bootstrap, login,
// validation, and the warm-up calls that authorize the data endpoint. It is
// atomic: either all steps complete or the client stays unauthenticated.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

// login must be called with c.mu held.
func (c *Client) login(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}

	// Step 1: GET the portal root to obtain the initial AL_SESS-S cookie.
	// The response body is irrelevant; only a transport failure is fatal.
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("%w: bootstrap request: %v", ErrConnectivity, err)
	}
	c.setPortalHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to obtain session: %v", ErrConnectivity, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	log.Ctx(ctx).DebugContext(ctx, "portal session bootstrap", slog.Int("status", resp.StatusCode))

	// Step 2: POST credentials.
	req, err = c.newPostJSONRequest(ctx, loginPath, map[string]interface{}{
		"username": c.username,
		"password": c.password,
		"client":   clientID,
	})
	if err != nil {
		return fmt.Errorf("%w: login request: %v", ErrConnectivity, err)
	}
	resp, err = c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrConnectivity, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return fmt.Errorf("%w: login status %d", ErrAuth, resp.StatusCode)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if env.FrontEndMessage == nil || env.FrontEndMessage.MessageType != 0 {
		msg := "unknown error"
		if env.FrontEndMessage != nil && env.FrontEndMessage.Message != "" {
			msg = env.FrontEndMessage.Message
		}
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	}
	c.token = env.Data
	log.Ctx(ctx).DebugContext(ctx, "portal login success", slog.String("username", c.username))

	// Step 3: POST the validation confirmation. The call commits server-side
	// session state; its result is not inspected beyond transport success.
	req, err = c.newPostJSONRequest(ctx, validationPath, map[string]interface{}{
		"client": clientID,
	})
	if err != nil {
		return fmt.Errorf("%w: validation request: %v", ErrConnectivity, err)
	}
	resp, err = c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: validation: %v", ErrConnectivity, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	log.Ctx(ctx).DebugContext(ctx, "portal validation", slog.Int("status", resp.StatusCode))

	// Step 4: warm up the server-side meter context. Skipping any of these
	// makes getDiagramValues report "not authorized" even though the session
	// cookie is valid.
	return c.setupMeterContext(ctx)
}

// setupMeterContext calls contractAccounts, getMeterPoints, and
// getMeterPointId in order, each step feeding the next. Must be called with
// c.mu held.
func (c *Client) setupMeterContext(ctx context.Context) error {
	// contractAccounts -> first caId
	req, err := c.newPostJSONRequest(ctx, contractAccountsPath, map[string]interface{}{
		"token":  c.token,
		"client": clientID,
	})
	if err != nil {
		return fmt.Errorf("%w: contract accounts request: %v", ErrConnectivity, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: contract accounts: %v", ErrConnectivity, err)
	}
	var caBody struct {
		Data []struct {
			CAID string `json:"caId"`
		} `json:"data"`
	}
	if err := decodeJSONBody(resp, &caBody); err != nil {
		return fmt.Errorf("contract accounts: %w", err)
	}
	if len(caBody.Data) == 0 {
		return fmt.Errorf("%w: no contract accounts found", ErrProtocol)
	}
	c.contractAccountID = caBody.Data[0].CAID
	log.Ctx(ctx).DebugContext(ctx, "portal contract account", slog.String("caID", c.contractAccountID))

	// getMeterPoints -> first meterPointNumber
	req, err = c.newGetRequest(ctx, meterPointsPath, url.Values{
		"contractAccount": {c.contractAccountID},
	})
	if err != nil {
		return fmt.Errorf("%w: meter points request: %v", ErrConnectivity, err)
	}
	resp, err = c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: meter points: %v", ErrConnectivity, err)
	}
	var mpBody struct {
		Data struct {
			Contracts []struct {
				MeterPointNumber string `json:"meterPointNumber"`
			} `json:"contracts"`
		} `json:"data"`
	}
	if err := decodeJSONBody(resp, &mpBody); err != nil {
		return fmt.Errorf("meter points: %w", err)
	}
	if len(mpBody.Data.Contracts) == 0 {
		return fmt.Errorf("%w: no meter points found", ErrProtocol)
	}
	c.meterNumber = mpBody.Data.Contracts[0].MeterPointNumber
	log.Ctx(ctx).DebugContext(ctx, "portal meter number", slog.String("meterNumber", c.meterNumber))

	// getMeterPointId -> numeric meter id
	req, err = c.newGetRequest(ctx, meterPointIDPath, url.Values{
		"meterNumber": {c.meterNumber},
	})
	if err != nil {
		return fmt.Errorf("%w: meter point id request: %v", ErrConnectivity, err)
	}
	resp, err = c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: meter point id: %v", ErrConnectivity, err)
	}
	var midBody struct {
		Data struct {
			MeterID json.Number `json:"meterId"`
		} `json:"data"`
	}
	if err := decodeJSONBody(resp, &midBody); err != nil {
		return fmt.Errorf("meter point id: %w", err)
	}
	if midBody.Data.MeterID.String() == "" {
		return fmt.Errorf("%w: no meter id found for meter %s", ErrProtocol, c.meterNumber)
	}
	// once discovered the meter id is stable for the lifetime of the client
	if c.meterID == "" {
		c.meterID = midBody.Data.MeterID.String()
	}
	log.Ctx(ctx).DebugContext(ctx, "portal meter id", slog.String("meterID", c.meterID))
	return nil
}

// MeterID returns the numeric meter id discovered during Login, or "" before
// the first successful login.
func (c *Client) MeterID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meterID
}

// GetDailyData fetches the hourly readings for the calendar day containing
// date, interpreted in the portal's time zone. When the portal reports an
// expired session it re-logins and replays the request exactly once; any
// further failure is terminal for this call.
func (c *Client) GetDailyData(ctx context.Context, meterID string, date time.Time) (types.DayData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.DayData{}, ErrClosed
	}

	day := date.In(Zurich)
	startOfDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, Zurich)
	epochMS := strconv.FormatInt(startOfDay.UnixMilli(), 10)

	// from == until == midnight with HOUR granularity bounds exactly one
	// calendar day in the portal's query semantics.
	params := url.Values{
		"from":     {epochMS},
		"id":       {meterID},
		"interval": {"HOUR"},
		"until":    {epochMS},
	}

	env, err := c.fetchDiagramValues(ctx, params)
	if err != nil {
		return types.DayData{}, err
	}

	if env.Data == nil {
		msg := envelopeMessage(env)
		if !isSessionExpired(msg) {
			return types.DayData{}, fmt.Errorf("%w: %s", ErrDataUnavailable, msg)
		}
		log.Ctx(ctx).DebugContext(ctx, "portal session expired, re-authenticating", slog.String("message", msg))
		if err := c.login(ctx); err != nil {
			return types.DayData{}, err
		}
		env, err = c.fetchDiagramValues(ctx, params)
		if err != nil {
			return types.DayData{}, err
		}
		if env.Data == nil {
			return types.DayData{}, fmt.Errorf("%w: %s", ErrDataUnavailable, envelopeMessage(env))
		}
	}

	var inner struct {
		Values []types.Reading `json:"values"`
		Unit   string          `json:"unit"`
	}
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		return types.DayData{}, fmt.Errorf("%w: failed to decode diagram values: %v", ErrProtocol, err)
	}

	// the portal does not guarantee chronological order
	sort.Slice(inner.Values, func(i, j int) bool {
		return inner.Values[i].Date < inner.Values[j].Date
	})

	var total float64
	for _, v := range inner.Values {
		total += v.Value
	}

	unit := inner.Unit
	if unit == "" {
		unit = defaultUnit
	}

	log.Ctx(ctx).DebugContext(ctx, "portal daily data",
		slog.String("day", startOfDay.Format("2006-01-02")),
		slog.Int("readings", len(inner.Values)),
		slog.Float64("rawTotal", types.Round3(total)),
	)

	return types.DayData{
		Readings:   inner.Values,
		DailyTotal: types.Round3(total),
		Unit:       unit,
	}, nil
}

// fetchDiagramValues performs one GET of the data endpoint and decodes the
// envelope. Must be called with c.mu held.
func (c *Client) fetchDiagramValues(ctx context.Context, params url.Values) (portalEnvelope, error) {
	req, err := c.newGetRequest(ctx, diagramValuesPath, params)
	if err != nil {
		return portalEnvelope{}, fmt.Errorf("%w: data request: %v", ErrConnectivity, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return portalEnvelope{}, fmt.Errorf("%w: data request: %v", ErrConnectivity, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		return portalEnvelope{}, fmt.Errorf("%w: data request status %d: %s", ErrConnectivity, resp.StatusCode, body)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return portalEnvelope{}, fmt.Errorf("data request: %w", err)
	}
	return env, nil
}

// Close releases the transport session. The client is unusable afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.client.CloseIdleConnections()
	return nil
}

// isSessionExpired reports whether a portal message indicates an expired
// session. The portal offers no structured expiry flag, only free text, so
// this substring match is a documented approximation; it mirrors the phrasing
// the portal is known to emit.
func isSessionExpired(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not logged in") || strings.Contains(m, "unauthorized")
}

func envelopeMessage(env portalEnvelope) string {
	if env.FrontEndMessage == nil || env.FrontEndMessage.Message == "" {
		return "empty response"
	}
	return env.FrontEndMessage.Message
}

func decodeEnvelope(resp *http.Response) (portalEnvelope, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return portalEnvelope{}, fmt.Errorf("%w: reading response: %v", ErrConnectivity, err)
	}
	var env portalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return portalEnvelope{}, fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
	}
	return env, nil
}

func decodeJSONBody(resp *http.Response, dest interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
	}
	return nil
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	c.setPortalHeaders(req)
	return req, nil
}

func (c *Client) newPostJSONRequest(ctx context.Context, endpoint string, data interface{}) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setPortalHeaders(req)
	return req, nil
}

// setPortalHeaders adds the browser-like headers the portal checks before
// answering API calls.
func (c *Client) setPortalHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", "https://portal.wwz.ch")
	req.Header.Set("Referer", "https://portal.wwz.ch/")
}
