package webhook

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/storefront-gateway/internal/httpmw"
	"github.com/keithlinneman/storefront-gateway/internal/log"
	"github.com/keithlinneman/storefront-gateway/internal/xerrors"
)

// Delivery outcomes passed to Handler.OnResult.
const (
	ResultOK               = "ok"
	ResultInvalidSignature = "invalid_signature"
	ResultInvalidPayload   = "invalid_payload"
	ResultFailed           = "failed"
)

type Handler struct {
	Verifier  *Verifier
	Processor Processor
	// Archiver is optional. Archive failures are logged and never fail the
	// delivery.
	Archiver Archiver

	OnResult       func(result string)
	OnArchiveError func()
}

type ack struct {
	Received bool `json:"received"`
}

func (h *Handler) result(r string) {
	if h.OnResult != nil {
		h.OnResult(r)
	}
}

// ServeWebhook is mounted on the raw-body branch. It reads the captured
// payload from the request State, never from a parsed body.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	L := log.FromContext(ctx)

	payload, ok := httpmw.RawBodyFrom(ctx)
	if !ok {
		return xerrors.New("webhook route mounted without raw body capture")
	}

	if err := h.Verifier.Verify(payload, r.Header.Get(SignatureHeader)); err != nil {
		h.result(ResultInvalidSignature)
		return xerrors.ClientInput(err, http.StatusBadRequest, "Invalid webhook signature")
	}

	ev, err := Decode(payload)
	if err != nil {
		h.result(ResultInvalidPayload)
		return xerrors.ClientInput(err, http.StatusBadRequest, "Invalid webhook payload")
	}
	L = L.With("event.id", ev.ID, "event.type", ev.Type)
	ctx = log.WithContext(ctx, L)

	if h.Archiver != nil {
		if err := h.Archiver.Archive(ctx, ev, payload); err != nil {
			if h.OnArchiveError != nil {
				h.OnArchiveError()
			}
			L.Warn(ctx, "webhook archive failed", "err", err.Error())
		}
	}

	if err := h.Processor.Process(ctx, ev); err != nil {
		h.result(ResultFailed)
		// a cancelled context here means the timeout guard already answered
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			return nil
		}
		return xerrors.Upstream(xerrors.Wrapf(err, "process webhook event %s", ev.ID))
	}

	h.result(ResultOK)
	L.Info(ctx, "webhook event processed")
	httpmw.WriteJSON(w, r, http.StatusOK, ack{Received: true})
	return nil
}
