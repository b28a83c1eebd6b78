package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"cryptopay/internal/btcpay"
	"cryptopay/internal/logging"
	"cryptopay/internal/payment"
)

type processorFunc func(ctx context.Context, signature string, body []byte) error

func (f processorFunc) HandleWebhook(ctx context.Context, signature string, body []byte) error {
	return f(ctx, signature, body)
}

func TestWebhookHandlerStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		signature string
		err       error
		want      int
	}{
		{name: "processed", signature: "sha256=abc", want: http.StatusOK},
		{name: "missing signature", want: http.StatusUnauthorized},
		{name: "bad signature", signature: "sha256=abc", err: payment.ErrInvalidWebhookSignature, want: http.StatusUnauthorized},
		{name: "malformed", signature: "sha256=abc", err: fmt.Errorf("%w: no deliveryId", payment.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "in progress", signature: "sha256=abc", err: payment.ErrDeliveryInProgress, want: http.StatusConflict},
		{name: "failure", signature: "sha256=abc", err: errors.New("db down"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotSig, gotBody string
			h := NewWebhookHandler(logging.Discard(), nil, processorFunc(func(_ context.Context, sig string, body []byte) error {
				gotSig, gotBody = sig, string(body)
				return tc.err
			}))

			req := httptest.NewRequest(http.MethodPost, "/webhook/btcpay", strings.NewReader(`{"deliveryId":"d-1"}`))
			if tc.signature != "" {
				req.Header.Set(btcpay.SignatureHeader, tc.signature)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			if tc.signature != "" {
				assert.Equal(t, tc.signature, gotSig)
				assert.Equal(t, `{"deliveryId":"d-1"}`, gotBody)
			}
			if tc.want == http.StatusOK {
				assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
			}
		})
	}
}

func TestWebhookHandlerRejectsGet(t *testing.T) {
	h := NewWebhookHandler(logging.Discard(), nil, processorFunc(func(context.Context, string, []byte) error {
		t.Fatal("processor must not run")
		return nil
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/btcpay", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingBody struct {
	closed bool
}

func (b *failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func (b *failingBody) Close() error {
	b.closed = true
	return nil
}

func TestWebhookHandlerClosesBodyOnReadFailure(t *testing.T) {
	h := NewWebhookHandler(logging.Discard(), nil, processorFunc(func(context.Context, string, []byte) error {
		t.Fatal("processor must not run")
		return nil
	}))
	body := &failingBody{}
	req := httptest.NewRequest(http.MethodPost, "/webhook/btcpay", nil)
	req.Body = body
	req.Header.Set(btcpay.SignatureHeader, "sha256=abc")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, body.closed)
}
