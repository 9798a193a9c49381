package handler

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/predictindexer/internal/domain"
)

// minSignatureLen rejects values that cannot be a base58 transaction
// signature.
const minSignatureLen = 32

// Intake accepts signatures pushed from outside the process.
type Intake interface {
	HandleWebhook(ctx context.Context, signatures []string)
	Resync(ctx context.Context, signature string)
}

// IntakeHandler serves the webhook and index-tx endpoints.
type IntakeHandler struct {
	intake Intake
	secret string
	logger *slog.Logger
}

// NewIntakeHandler creates an IntakeHandler. An empty secret disables webhook
// authentication.
func NewIntakeHandler(intake Intake, webhookSecret string, logger *slog.Logger) *IntakeHandler {
	return &IntakeHandler{intake: intake, secret: webhookSecret, logger: logHandler(logger, "intake")}
}

// Webhook accepts an enhanced-transaction delivery: a JSON array of items or
// a single item object, each carrying a "signature".
// POST /webhook
func (h *IntakeHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && !h.authorized(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sigs, err := webhookSignatures(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.DebugContext(r.Context(), "webhook delivery", slog.Int("signatures", len(sigs)))
	h.intake.HandleWebhook(r.Context(), sigs)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IndexTx re-indexes one transaction on request of a client that just sent it.
// POST /index-tx {"signature":"..."}
func (h *IntakeHandler) IndexTx(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sig := strings.TrimSpace(req.Signature)
	if len(sig) < minSignatureLen {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	h.intake.Resync(r.Context(), sig)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "signature": sig})
}

// authorized compares the header against the secret. Some providers prefix
// the configured value with "authorization:", which is stripped.
func (h *IntakeHandler) authorized(header string) bool {
	got := strings.TrimSpace(header)
	if len(got) >= len("authorization:") && strings.EqualFold(got[:len("authorization:")], "authorization:") {
		got = strings.TrimSpace(got[len("authorization:"):])
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

type webhookItem struct {
	Signature any `json:"signature"`
}

type badPayloadError string

func (e badPayloadError) Error() string { return string(e) }

// webhookSignatures extracts the non-empty string signatures of a delivery.
func webhookSignatures(body []byte) ([]string, error) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, badPayloadError("invalid JSON")
	}

	var items []webhookItem
	switch {
	case len(body) > 0 && body[0] == '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, badPayloadError("invalid payload")
		}
		for _, r := range raw {
			var it webhookItem
			// Non-object entries carry no signature.
			if json.Unmarshal(r, &it) == nil {
				items = append(items, it)
			}
		}
	case len(body) > 0 && body[0] == '{':
		var it webhookItem
		if err := json.Unmarshal(body, &it); err != nil {
			return nil, badPayloadError("invalid payload")
		}
		items = append(items, it)
	default:
		return nil, badPayloadError("payload must be an object or an array")
	}

	sigs := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.Signature.(string); ok && s != "" {
			sigs = append(sigs, s)
		}
	}
	return sigs, nil
}
