package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/tplsync/internal/metrics"
)

const (
	defaultPageSize = 100
	maxPages        = 100
	previewRunes    = 100
)

// Credentials identify one provider sub-account
type Credentials struct {
	SubAccountID string
	AuthToken    string
}

// Options tune a Client
type Options struct {
	ContentURL string // template API base
	AccountURL string // account API base
	Timeout    time.Duration
	PageSize   int
	HTTPClient *http.Client
}

// Client talks to the template provider on behalf of one sub-account
type Client struct {
	contentURL string
	accountURL string
	creds      Credentials
	timeout    time.Duration
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a provider client
func NewClient(creds Credentials, opts Options) *Client {
	c := &Client{
		contentURL: strings.TrimRight(opts.ContentURL, "/"),
		accountURL: strings.TrimRight(opts.AccountURL, "/"),
		creds:      creds,
		timeout:    opts.Timeout,
		pageSize:   opts.PageSize,
		httpClient: opts.HTTPClient,
	}
	if c.accountURL == "" {
		c.accountURL = c.contentURL
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// SubAccount returns the sub-account the client is bound to
func (c *Client) SubAccount() string {
	return c.creds.SubAccountID
}

// request performs one bounded HTTP call. Every failure comes back as *Error.
func (c *Client) request(ctx context.Context, op, method, rawURL, remoteID string, body any, result any) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveProviderRequest(op, resultLabel(err), time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fail := func(kind Kind, status int, msg string, cause error) *Error {
		return &Error{Op: op, SubAccount: c.creds.SubAccountID, RemoteID: remoteID, Kind: kind, StatusCode: status, Message: msg, Err: cause}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(KindInvalid, 0, "marshal request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fail(KindInvalid, 0, "create request", err)
	}
	req.SetBasicAuth(c.creds.SubAccountID, c.creds.AuthToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(KindTransient, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		msg := http.StatusText(resp.StatusCode)
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errResp) == nil && errResp.Message != "" {
			msg = errResp.Message
		}
		e := fail(kindForStatus(resp.StatusCode), resp.StatusCode, msg, nil)
		e.Code = errResp.Code
		return e
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fail(KindTransient, resp.StatusCode, "decode response", err)
		}
	}
	return nil
}

// ListTemplates returns every template registered in the sub-account
func (c *Client) ListTemplates(ctx context.Context) ([]RemoteTemplate, error) {
	next := fmt.Sprintf("%s/v1/ContentAndApprovals?PageSize=%d", c.contentURL, c.pageSize)
	templates := []RemoteTemplate{}

	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, &Error{Op: "list_templates", SubAccount: c.creds.SubAccountID, Kind: KindInvalid,
				Message: fmt.Sprintf("more than %d pages", maxPages)}
		}

		var resp listResponse
		if err := c.request(ctx, "list_templates", http.MethodGet, next, "", nil, &resp); err != nil {
			return nil, err
		}

		for _, item := range resp.Contents {
			rt := RemoteTemplate{
				ID:            item.SID,
				DisplayName:   item.FriendlyName,
				Language:      item.Language,
				ApprovalState: "unknown",
			}
			if item.Types.Text != nil {
				rt.BodyPreview = truncateRunes(item.Types.Text.Body, previewRunes)
			}
			if item.ApprovalRequests != nil && item.ApprovalRequests.Status != "" {
				rt.ApprovalState = item.ApprovalRequests.Status
			}
			templates = append(templates, rt)
		}

		next = c.resolve(resp.Meta.NextPageURL)
	}

	return templates, nil
}

// resolve turns a possibly relative next-page link into an absolute URL
func (c *Client) resolve(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil || u.IsAbs() {
		return link
	}
	base, err := url.Parse(c.contentURL)
	if err != nil {
		return link
	}
	return base.ResolveReference(u).String()
}

// CreateTemplate registers the content and submits it for approval
func (c *Client) CreateTemplate(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var content contentResponse
	err := c.request(ctx, "create_template", http.MethodPost, c.contentURL+"/v1/Content", "", createContentRequest{
		FriendlyName: req.Name,
		Language:     req.Language,
		Variables:    req.Variables,
		Types:        contentTypes{Text: &textType{Body: req.Body}},
	}, &content)
	if err != nil {
		return nil, err
	}
	if content.SID == "" {
		return nil, &Error{Op: "create_template", SubAccount: c.creds.SubAccountID, Kind: KindInvalid, Message: "response has no sid"}
	}

	var approval approvalRequests
	path := fmt.Sprintf("%s/v1/Content/%s/ApprovalRequests/whatsapp", c.contentURL, url.PathEscape(content.SID))
	err = c.request(ctx, "submit_approval", http.MethodPost, path, content.SID, approvalCreateRequest{
		Name:     req.Name,
		Category: req.Category,
	}, &approval)
	if err != nil {
		return nil, err
	}

	state := approval.Status
	if state == "" {
		state = "received"
	}
	return &CreateResult{RemoteID: content.SID, ApprovalState: state}, nil
}

// GetTemplateStatus returns the approval state of one remote template
func (c *Client) GetTemplateStatus(ctx context.Context, remoteID string) (*TemplateStatus, error) {
	var resp approvalFetchResponse
	path := fmt.Sprintf("%s/v1/Content/%s/ApprovalRequests", c.contentURL, url.PathEscape(remoteID))
	if err := c.request(ctx, "get_status", http.MethodGet, path, remoteID, nil, &resp); err != nil {
		return nil, err
	}

	status := &TemplateStatus{RemoteID: remoteID, ApprovalState: "unsubmitted"}
	if resp.WhatsApp != nil && resp.WhatsApp.Status != "" {
		status.ApprovalState = resp.WhatsApp.Status
		status.RejectionReason = resp.WhatsApp.RejectionReason
	}
	return status, nil
}

// VerifyCredentials checks that the sub-account accepts the credentials and is active
func (c *Client) VerifyCredentials(ctx context.Context) error {
	var acct accountResponse
	path := fmt.Sprintf("%s/2010-04-01/Accounts/%s.json", c.accountURL, url.PathEscape(c.creds.SubAccountID))
	if err := c.request(ctx, "verify_credentials", http.MethodGet, path, "", nil, &acct); err != nil {
		return err
	}
	if acct.Status != "" && acct.Status != "active" {
		return &Error{Op: "verify_credentials", SubAccount: c.creds.SubAccountID, Kind: KindAuth,
			Message: fmt.Sprintf("sub-account is %s", acct.Status)}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
