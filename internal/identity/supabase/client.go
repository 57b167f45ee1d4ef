// Package supabase implements identity.Provider against the Supabase Auth
// (GoTrue) REST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	"github.com/DukeRupert/stockpile/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 1 << 20

// Config contains configuration for the Supabase provider.
type Config struct {
	URL            string // Project URL, e.g. https://xyz.supabase.co
	AnonKey        string // Public anon key sent as apikey
	JWTSecret      string // Optional; when set, access tokens are verified
	ProviderConfig identity.Config
}

// Client implements identity.Provider using Supabase Auth.
type Client struct {
	config  Config
	baseURL string
	http    *retryablehttp.Client
	// once serves calls that must not be repeated after the provider saw them
	once   *retryablehttp.Client
	logger *slog.Logger
}

// singleShotPaths are POST endpoints with side effects: /recover sends an
// email and /verify spends the single-use token. A 5xx or 429 may arrive after
// the provider acted, so only transport errors are retried.
var singleShotPaths = map[string]bool{
	"/recover": true,
	"/verify":  true,
}

// New creates a new Supabase client.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if config.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}

	// Set defaults
	if config.ProviderConfig.MaxRetries == 0 {
		config.ProviderConfig.MaxRetries = 3
	}
	if config.ProviderConfig.RetryWaitMin == 0 {
		config.ProviderConfig.RetryWaitMin = 500 * time.Millisecond
	}
	if config.ProviderConfig.RequestTimeout == 0 {
		config.ProviderConfig.RequestTimeout = 10 * time.Second
	}

	once := newHTTPClient(config.ProviderConfig, logger)
	once.CheckRetry = retryTransportErrors

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.URL, "/") + "/auth/v1",
		http:    newHTTPClient(config.ProviderConfig, logger),
		once:    once,
		logger:  logger,
	}, nil
}

func newHTTPClient(config identity.Config, logger *slog.Logger) *retryablehttp.Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = config.MaxRetries
	httpClient.RetryWaitMin = config.RetryWaitMin
	httpClient.RetryWaitMax = 8 * config.RetryWaitMin
	httpClient.HTTPClient.Timeout = config.RequestTimeout
	httpClient.Logger = logger
	// Hand the final error response back instead of a generic "giving up" error
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return httpClient
}

// retryTransportErrors retries a request only when no response arrived.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// IssueResetToken triggers the provider's recovery email.
func (c *Client) IssueResetToken(ctx context.Context, email, redirectTo string) error {
	const op = "supabase.IssueResetToken"

	query := url.Values{}
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}

	return c.do(ctx, op, http.MethodPost, "/recover", query, "", recoverRequest{Email: email}, nil)
}

// VerifyResetToken exchanges the reset token for a recovery session and checks
// that the session belongs to the email in the link.
func (c *Client) VerifyResetToken(ctx context.Context, token, email string) (*identity.Recovery, error) {
	const op = "supabase.VerifyResetToken"

	var resp sessionResponse
	err := c.do(ctx, op, http.MethodPost, "/verify", nil, "", verifyRequest{
		Type:      "recovery",
		TokenHash: token,
	}, &resp)
	if err != nil {
		return nil, err
	}

	ident, err := c.identityFromSession(op, &resp)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(ident.Email, email) {
		c.logger.Warn("recovery session email does not match link", "op", op)
		return nil, identity.ProviderError(op, &identity.APIError{
			Status:  http.StatusForbidden,
			Code:    identity.CodeEmailMismatch,
			Message: "Reset link does not match this email",
		})
	}

	return &identity.Recovery{
		AccessToken: ident.AccessToken,
		UserID:      ident.UserID,
		Email:       ident.Email,
		ExpiresAt:   ident.ExpiresAt,
	}, nil
}

// UpdateCredential sets the new password using the recovery session, then
// signs that session out.
func (c *Client) UpdateCredential(ctx context.Context, cred identity.Credential, newPassword string) error {
	const op = "supabase.UpdateCredential"

	accessToken := cred.AccessToken
	if accessToken == "" {
		recovery, err := c.VerifyResetToken(ctx, cred.Token, cred.Email)
		if err != nil {
			return err
		}
		accessToken = recovery.AccessToken
	}

	if err := c.do(ctx, op, http.MethodPut, "/user", nil, accessToken, updateUserRequest{Password: newPassword}, nil); err != nil {
		return err
	}

	// The password is already changed; a failed logout only leaves the
	// recovery session to expire on its own.
	if err := c.SignOut(ctx, accessToken); err != nil {
		c.logger.Warn("failed to terminate recovery session", "op", op, "error", err)
	}

	return nil
}

// SignUp creates an account. When email confirmation is enabled the returned
// identity has no access token.
func (c *Client) SignUp(ctx context.Context, email, password string) (*identity.Identity, error) {
	const op = "supabase.SignUp"

	var resp sessionResponse
	if err := c.do(ctx, op, http.MethodPost, "/signup", nil, "", credentialsRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}

	if resp.AccessToken != "" {
		return c.identityFromSession(op, &resp)
	}

	// Confirmation pending: the body is the bare user object
	userID, err := uuid.Parse(resp.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "invalid user id in signup response")
	}
	return &identity.Identity{UserID: userID, Email: resp.Email}, nil
}

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*identity.Identity, error) {
	const op = "supabase.SignIn"

	query := url.Values{"grant_type": {"password"}}

	var resp sessionResponse
	if err := c.do(ctx, op, http.MethodPost, "/token", query, "", credentialsRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}

	return c.identityFromSession(op, &resp)
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	const op = "supabase.SignOut"
	if accessToken == "" {
		return nil
	}
	return c.do(ctx, op, http.MethodPost, "/logout", nil, accessToken, nil, nil)
}

// =============================================================================
// Transport
// =============================================================================

// do executes one API call. Non-2xx responses become provider errors,
// transport failures become EUNAVAILABLE.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, bearer string, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return domain.Internal(err, op, "failed to encode request")
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return domain.Internal(err, op, "failed to build request")
	}

	if bearer == "" {
		bearer = c.config.AnonKey
	}
	req.Header.Set("apikey", c.config.AnonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.http
	if method == http.MethodPost && singleShotPaths[path] {
		client = c.once
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Error("identity provider request failed",
			"op", op,
			"path", path,
			"error", err,
		)
		return domain.Unavailable(err, op)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.Unavailable(err, op)
	}

	c.logger.Debug("identity provider request",
		"op", op,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return identity.ProviderError(op, parseAPIError(resp.StatusCode, data))
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return domain.Internal(err, op, "failed to decode response")
		}
	}

	return nil
}

// parseAPIError reads the several error shapes GoTrue returns.
func parseAPIError(status int, body []byte) *identity.APIError {
	var resp errorResponse
	_ = json.Unmarshal(body, &resp)

	apiErr := &identity.APIError{Status: status, Code: resp.ErrorCode}
	switch {
	case resp.Msg != "":
		apiErr.Message = resp.Msg
	case resp.ErrorDescription != "":
		apiErr.Message = resp.ErrorDescription
	case resp.Message != "":
		apiErr.Message = resp.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = resp.Error
	}
	return apiErr
}

// =============================================================================
// Tokens
// =============================================================================

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// parseAccessToken reads the claims of a provider access token. Tokens are
// signature-checked only when a JWT secret is configured.
func (c *Client) parseAccessToken(token string) (*accessClaims, error) {
	claims := &accessClaims{}

	if c.config.JWTSecret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(c.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// identityFromSession builds an Identity from a session response, taking the
// user id, email and expiry from the access token claims.
func (c *Client) identityFromSession(op string, resp *sessionResponse) (*identity.Identity, error) {
	if resp.AccessToken == "" {
		return nil, domain.Internal(nil, op, "session response without access token")
	}

	claims, err := c.parseAccessToken(resp.AccessToken)
	if err != nil {
		return nil, domain.Wrap(err, domain.EUNAUTHORIZED, op, "Invalid session token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, domain.Wrap(err, domain.EUNAUTHORIZED, op, "Invalid session token")
	}

	email := claims.Email
	if email == "" && resp.User != nil {
		email = resp.User.Email
	}

	ident := &identity.Identity{
		UserID:       userID,
		Email:        email,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time
	} else if resp.ExpiresIn > 0 {
		ident.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return ident, nil
}

// API request/response types

type recoverRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Type      string `json:"type"`
	TokenHash string `json:"token_hash"`
}

type updateUserRequest struct {
	Password string `json:"password"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int           `json:"expires_in"`
	User         *userResponse `json:"user"`

	// Present when signup returns a bare user
	ID    string `json:"id"`
	Email string `json:"email"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorResponse struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Compile-time check
var _ identity.Provider = (*Client)(nil)
