package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseGateway implements Gateway with uncaptured Omise charges.  Create
// authorizes a charge against a card token without capturing it, Capture
// settles it and Cancel reverses the authorization.
type OmiseGateway struct {
	client *omise.Client
}

// NewOmiseClient builds an Omise client from the public and secret keys.
func NewOmiseClient(publicKey, secretKey string) (*omise.Client, error) {
	return omise.NewClient(publicKey, secretKey)
}

// NewOmiseGateway returns a gateway backed by c.
func NewOmiseGateway(c *omise.Client) *OmiseGateway {
	return &OmiseGateway{client: c}
}

type cardKey struct{}

// WithCard attaches the rider's card token to ctx for Create.
func WithCard(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, cardKey{}, token)
}

func cardFromContext(ctx context.Context) string {
	v, _ := ctx.Value(cardKey{}).(string)
	return v
}

// description renders the metadata as the charge description shown in the
// provider dashboard.
func (m Metadata) description() string {
	return fmt.Sprintf("operator_id=%s session_id=%s rider_id=%s", m.OperatorID, m.SessionID, m.RiderID)
}

// Create authorizes amount on the card found in ctx and returns the charge
// id as the hold id.  The session and rider are sent as charge metadata and
// description.
func (g *OmiseGateway) Create(ctx context.Context, amount int64, currency string, metadata Metadata) (string, error) {
	card := cardFromContext(ctx)
	if amount <= 0 || currency == "" || card == "" {
		return "", ErrInvalidHold
	}
	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:      amount,
		Currency:    currency,
		Card:        card,
		DontCapture: true,
	}
	extra := map[string]any{
		"metadata":    metadata.asMap(),
		"description": metadata.description(),
	}
	if err := g.send(ctx, ch, func() (*http.Request, error) { return g.client.Request(op) }, extra); err != nil {
		return "", fmt.Errorf("omise create charge: %w", err)
	}
	if ch.Status == omise.ChargeFailed {
		var code, msg string
		if ch.FailureCode != nil {
			code = *ch.FailureCode
		}
		if ch.FailureMessage != nil {
			msg = *ch.FailureMessage
		}
		return "", fmt.Errorf("%w: %s %s", ErrDeclined, code, msg)
	}
	return ch.ID, nil
}

// Capture settles a previously authorized charge.
func (g *OmiseGateway) Capture(ctx context.Context, holdID string) error {
	if holdID == "" {
		return ErrInvalidHold
	}
	ch := &omise.Charge{}
	op := &operations.CaptureCharge{ChargeID: holdID}
	if err := g.send(ctx, ch, func() (*http.Request, error) { return g.client.Request(op) }, nil); err != nil {
		return fmt.Errorf("omise capture %s: %w", holdID, err)
	}
	if ch.Status != omise.ChargeSuccessful {
		return fmt.Errorf("omise capture %s: charge status %s", holdID, ch.Status)
	}
	return nil
}

// Cancel reverses an uncaptured charge, releasing the rider's funds.
func (g *OmiseGateway) Cancel(ctx context.Context, holdID string) error {
	if holdID == "" {
		return ErrInvalidHold
	}
	ch := &omise.Charge{}
	op := &operations.ReverseCharge{ChargeID: holdID}
	if err := g.send(ctx, ch, func() (*http.Request, error) { return g.client.Request(op) }, nil); err != nil {
		return fmt.Errorf("omise reverse %s: %w", holdID, err)
	}
	return nil
}

// send performs the request built by newReq under ctx and decodes the
// reply into result.  extra is merged into a JSON request body; it carries
// fields the operations package does not marshal.  Error replies are
// decoded into *omise.Error like client.Do does.
func (g *OmiseGateway) send(ctx context.Context, result any, newReq func() (*http.Request, error), extra map[string]any) error {
	req, err := newReq()
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		if err := mergeBody(req, extra); err != nil {
			return err
		}
	}
	resp, err := g.client.Client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return &omise.ErrTransport{Err: err, Buffer: buf}
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &omise.Error{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(buf, apiErr); err != nil {
			return &omise.ErrTransport{Err: err, Buffer: buf}
		}
		return apiErr
	}
	if err := json.Unmarshal(buf, result); err != nil {
		return &omise.ErrTransport{Err: err, Buffer: buf}
	}
	return nil
}

// mergeBody adds extra to the JSON object in req's body.
func mergeBody(req *http.Request, extra map[string]any) error {
	if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") || req.Body == nil {
		return fmt.Errorf("cannot attach %d fields to a %q request", len(extra), req.Header.Get("Content-Type"))
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	_ = req.Body.Close()
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err = json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(raw))
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(raw)), nil }
	req.ContentLength = int64(len(raw))
	return nil
}
