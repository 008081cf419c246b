package smart

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Client is a SMART-on-FHIR app launch client bound to one session token.
// Every change to its state is reported to the observer.
type Client struct {
	token      string
	observer   sessions.StateObserver
	secret     string
	httpClient *http.Client
	verifier   *oidc.IDTokenVerifier

	mu    sync.Mutex
	state State
}

var _ sessions.ProtocolClient = (*Client)(nil)

// AuthorizeURL starts a new authorization attempt with a fresh state value and PKCE verifier.
func (c *Client) AuthorizeURL(ctx context.Context) (string, error) {
	if err := c.discover(ctx); err != nil {
		return "", err
	}

	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("[smart AuthorizeURL] %w", err)
	}

	c.mu.Lock()
	c.state.State = state
	c.state.CodeVerifier = oauth2.GenerateVerifier()
	cfg := c.oauthConfig()
	authURL := cfg.AuthCodeURL(state,
		oauth2.S256ChallengeOption(c.state.CodeVerifier),
		oauth2.SetAuthURLParam("aud", c.state.Audience),
	)
	c.mu.Unlock()

	c.notify(ctx)
	return authURL, nil
}

// HandleCallback completes the authorization from the provider redirect URL.
func (c *Client) HandleCallback(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("[smart HandleCallback] invalid callback url: %w", err)
	}
	q := u.Query()

	if code := q.Get("error"); code != "" {
		return &CallbackError{Code: code, Description: q.Get("error_description")}
	}

	c.mu.Lock()
	expectedState, verifier := c.state.State, c.state.CodeVerifier
	cfg := c.oauthConfig()
	c.mu.Unlock()

	if verifier == "" {
		return ErrNoPendingAuthorization
	}
	if q.Get("state") != expectedState {
		return ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return ErrMissingCode
	}

	tok, err := cfg.Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	var fhirUser string
	rawIDToken, _ := tok.Extra("id_token").(string)
	if c.verifier != nil && rawIDToken != "" {
		idToken, err := c.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIDTokenInvalid, err)
		}
		var claims struct {
			FHIRUser string `json:"fhirUser"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return fmt.Errorf("%w: %w", ErrIDTokenInvalid, err)
		}
		fhirUser = claims.FHIRUser
	}

	c.mu.Lock()
	c.applyToken(tok)
	c.state.CodeVerifier = ""
	c.state.IDToken = rawIDToken
	c.state.FHIRUser = fhirUser
	if patient, ok := tok.Extra("patient").(string); ok {
		c.state.Patient = patient
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		c.state.GrantedScope = scope
	}
	c.mu.Unlock()

	c.notify(ctx)
	return nil
}

func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken != ""
}

func (c *Client) PatientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Patient
}

func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AccessToken
}

func (c *Client) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RefreshToken
}

// ExpiresIn is the remaining access token lifetime, zero when unknown or past.
func (c *Client) ExpiresIn() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Expiry == nil {
		return 0
	}
	if d := c.state.Expiry.Sub(NowTimeFunc()); d > 0 {
		return d
	}
	return 0
}

// GrantedScope is the scope string returned with the access token.
func (c *Client) GrantedScope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.GrantedScope
}

func (c *Client) FHIRUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.FHIRUser
}

// OAuthState is the state value of the pending or last authorization.
func (c *Client) OAuthState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State
}

func (c *Client) State() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(c.state)
}

// discover fills in the authorize and token endpoints from the SMART configuration
// document, falling back to the CapabilityStatement oauth-uris extension.
func (c *Client) discover(ctx context.Context) error {
	c.mu.Lock()
	if c.state.AuthorizeURI != "" && c.state.TokenURI != "" {
		c.mu.Unlock()
		return nil
	}
	base := c.state.APIBase
	c.mu.Unlock()

	authorize, token, err := c.discoverWellKnown(ctx, base)
	if err != nil || authorize == "" || token == "" {
		log.Debug().Err(err).Str("api_base", base).Msg("SMART configuration unavailable, trying CapabilityStatement")
		authorize, token, err = c.discoverMetadata(ctx, base)
	}
	if err != nil {
		return fmt.Errorf("[smart discover] %w: %w", ErrDiscovery, err)
	}
	if authorize == "" || token == "" {
		return fmt.Errorf("[smart discover] %w: no oauth endpoints advertised by %s", ErrDiscovery, base)
	}

	c.mu.Lock()
	c.state.AuthorizeURI = authorize
	c.state.TokenURI = token
	c.mu.Unlock()
	return nil
}

func (c *Client) discoverWellKnown(ctx context.Context, base string) (string, string, error) {
	body, err := c.getJSON(ctx, base+"/.well-known/smart-configuration")
	if err != nil {
		return "", "", err
	}
	doc := gjson.ParseBytes(body)
	return doc.Get("authorization_endpoint").String(), doc.Get("token_endpoint").String(), nil
}

const oauthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

func (c *Client) discoverMetadata(ctx context.Context, base string) (string, string, error) {
	body, err := c.getJSON(ctx, base+"/metadata")
	if err != nil {
		return "", "", err
	}
	ext := gjson.GetBytes(body, `rest.0.security.extension.#(url=="`+oauthURIsExtension+`").extension`)
	return ext.Get(`#(url=="authorize").valueUri`).String(), ext.Get(`#(url=="token").valueUri`).String(), nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(c.httpClient, req)
}

// oauthConfig must be called with mu held.
func (c *Client) oauthConfig() *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if c.secret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.state.ClientID,
		ClientSecret: c.secret,
		RedirectURL:  c.state.RedirectURI,
		Scopes:       strings.Fields(c.state.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.state.AuthorizeURI,
			TokenURL:  c.state.TokenURI,
			AuthStyle: style,
		},
	}
}

// applyToken must be called with mu held.
func (c *Client) applyToken(tok *oauth2.Token) {
	c.state.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.state.RefreshToken = tok.RefreshToken
	}
	c.state.TokenType = tok.TokenType
	c.state.Expiry = nil
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		c.state.Expiry = &expiry
	}
}

// currentToken must be called with mu held.
func (c *Client) currentToken() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.state.AccessToken,
		RefreshToken: c.state.RefreshToken,
		TokenType:    c.state.TokenType,
	}
	if c.state.Expiry != nil {
		tok.Expiry = *c.state.Expiry
	}
	return tok
}

func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) notify(ctx context.Context) {
	if c.observer == nil {
		return
	}
	blob, err := c.State()
	if err != nil {
		log.Err(err).Str("token", sessions.ShortToken(c.token)).Msg("Failed to serialize SMART state")
		return
	}
	c.observer.OnStateChanged(ctx, c.token, blob)
}

// persistingTokenSource reports refreshed tokens back to the owning client.
type persistingTokenSource struct {
	ctx    context.Context
	client *Client
	base   oauth2.TokenSource
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.client.mu.Lock()
	changed := tok.AccessToken != s.client.state.AccessToken
	if changed {
		s.client.applyToken(tok)
	}
	s.client.mu.Unlock()

	if changed {
		log.Debug().Str("token", sessions.ShortToken(s.client.token)).Msg("SMART access token refreshed")
		s.client.notify(s.ctx)
	}
	return tok, nil
}

// authorizedHTTPClient attaches the access token and refreshes it when it expires.
func (c *Client) authorizedHTTPClient(ctx context.Context) (*http.Client, error) {
	c.mu.Lock()
	if c.state.AccessToken == "" {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	cfg := c.oauthConfig()
	tok := c.currentToken()
	c.mu.Unlock()

	httpCtx := c.httpContext(ctx)
	src := &persistingTokenSource{ctx: ctx, client: c, base: cfg.TokenSource(httpCtx, tok)}
	return oauth2.NewClient(httpCtx, oauth2.ReuseTokenSource(tok, src)), nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
