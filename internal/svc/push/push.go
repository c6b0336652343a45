package push

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/elevatehq/realtime/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Instance hands an event to the external mobile/web push provider. It is
// only ever invoked for recipients with no live connection anywhere.
type Instance interface {
	Send(ctx context.Context, deviceToken string, title string, body string, data map[string]string) (string, errors.APIError)
}

type Options struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

func New(opt Options) Instance {
	if opt.Timeout == 0 {
		opt.Timeout = time.Second * 10
	}

	return &pushInst{
		opt:    opt,
		client: &http.Client{Timeout: opt.Timeout},
	}
}

type pushInst struct {
	opt    Options
	client *http.Client
}

type providerRequest struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type providerResponse struct {
	MessageID string `json:"message_id"`
}

func (p *pushInst) Send(ctx context.Context, deviceToken string, title string, body string, data map[string]string) (string, errors.APIError) {
	payload, err := json.Marshal(providerRequest{
		Token: deviceToken,
		Title: title,
		Body:  body,
		Data:  data,
	})
	if err != nil {
		return "", errors.ErrPushDeliveryFailed().WithError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opt.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errors.ErrPushDeliveryFailed().WithError(err)
	}

	req.Header.Set("Authorization", "Bearer "+p.opt.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.ErrPushDeliveryFailed().WithError(err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		b, _ := io.ReadAll(resp.Body)

		var pr providerResponse
		_ = json.Unmarshal(b, &pr)

		return pr.MessageID, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The provider no longer knows this token; the caller must clear it
		// so we stop retrying a dead device.
		return "", errors.ErrInvalidPushToken()
	default:
		return "", errors.ErrPushDeliveryFailed().WithMessage("push provider returned an unexpected status")
	}
}
