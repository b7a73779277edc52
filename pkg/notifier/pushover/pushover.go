// Package pushover implements notifier.Notifier against the Pushover
// message API.
package pushover

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/HenningUe/iphoto-downloader/pkg/notifier"
)

const defaultAPIEndpoint = "https://api.pushover.net/1/messages.json"

const (
	priorityNormal = 0
	priorityHigh   = 1
)

// Notifier sends Pushover push notifications.
type Notifier struct {
	apiToken string
	userKey  string
	device   string
	client   *http.Client

	// APIEndpoint defaults to the real Pushover endpoint; tests point it at
	// an httptest server instead.
	APIEndpoint string
}

// New builds a Pushover-backed notifier.Notifier. apiToken and userKey must
// be non-empty; device is optional.
func New(apiToken, userKey, device string) *Notifier {
	return &Notifier{
		apiToken:    apiToken,
		userKey:     userKey,
		device:      device,
		client:      &http.Client{Timeout: 10 * time.Second},
		APIEndpoint: defaultAPIEndpoint,
	}
}

var _ notifier.Notifier = (*Notifier)(nil)

// Notify posts one message to the Pushover API. kind=auth_required is sent
// at high priority so it surfaces as an urgent push; everything else is
// normal priority.
func (n *Notifier) Notify(kind notifier.Kind, title, body, deepURL string) error {
	priority := priorityNormal
	if kind == notifier.KindAuthRequired {
		priority = priorityHigh
	}

	form := url.Values{
		"token":    {n.apiToken},
		"user":     {n.userKey},
		"title":    {title},
		"message":  {body},
		"priority": {strconv.Itoa(priority)},
	}
	if deepURL != "" {
		form.Set("url", deepURL)
		form.Set("url_title", "Open")
	}
	if n.device != "" {
		form.Set("device", n.device)
	}

	resp, err := n.client.PostForm(n.APIEndpoint, form)
	if err != nil {
		// The error string from net/http can embed the request URL but
		// never the form body, so no secret leaks here.
		return fmt.Errorf("%w: %v", notifier.ErrNotifyFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", notifier.ErrNotifyFailed, resp.StatusCode)
	}
	return nil
}
