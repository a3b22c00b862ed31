package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/catlab/drinks-services/internal/comm"
	"github.com/catlab/drinks-services/internal/ledgersvc/broker"
	"github.com/catlab/drinks-services/internal/nfc"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// ErrMergeConflict mirrors the server's 409 on an irreconcilable ledger row.
var ErrMergeConflict = errors.New("client: transaction merge conflict")

// Client talks to the ledger service. Every call is best-effort from the
// terminal's point of view: network failures surface as nfc.ErrOffline.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope is the server's uniform response body.
type envelope struct {
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	rsp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", nfc.ErrOffline, err)
	}
	defer rsp.Body.Close()

	var env envelope
	if err := json.NewDecoder(rsp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	switch {
	case rsp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrMergeConflict, env.Error)
	case rsp.StatusCode >= 400:
		return fmt.Errorf("server error %d: %s", rsp.StatusCode, env.Error)
	}

	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) Card(ctx context.Context, uid string) (*comm.CardEnvelope, error) {
	out := &comm.CardEnvelope{}
	if err := c.do(ctx, http.MethodGet, "/v1/cards/"+uid, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveAliases(ctx context.Context, id int64, aliases []string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/cards/%d", id),
		&comm.AliasesRequest{OrderTokenAliases: aliases}, nil)
}

func (c *Client) MergeTransactions(ctx context.Context, items []comm.TransactionPayload) ([]comm.TransactionPayload, error) {
	out := &comm.MergeResponse{}
	err := c.do(ctx, http.MethodPost, "/v1/transactions/merge", &comm.MergeRequest{Items: items}, out)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) RegisterPublicKey(ctx context.Context, publicKey string) (string, error) {
	out := &comm.DeviceStatusPayload{}
	err := c.do(ctx, http.MethodPut, "/v1/devices/current",
		&comm.RegisterKeyRequest{PublicKey: publicKey}, out)
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) DeviceStatus(ctx context.Context) (string, error) {
	out := &comm.DeviceStatusPayload{}
	if err := c.do(ctx, http.MethodGet, "/v1/devices/current/status", nil, out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) ApprovedPublicKeys(ctx context.Context, organisationID int64) ([]comm.PublicKeyEntryPayload, error) {
	var out []comm.PublicKeyEntryPayload
	path := fmt.Sprintf("/v1/organisations/%d/approved-public-keys", organisationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RebuildCard(ctx context.Context, uid string) error {
	return c.do(ctx, http.MethodPost, "/v1/cards/"+uid+"/rebuild", nil, nil)
}

// WatchDeviceApprovals refreshes the trusted key set whenever the server
// announces an approval. Purely opportunistic; terminals without a NATS
// connection just poll.
func (c *Client) WatchDeviceApprovals(nc *nats.Conn, organisationID int64, reload func([]comm.PublicKeyEntryPayload)) (*nats.Subscription, error) {
	return broker.SubscribeDeviceApproved(nc, func(event comm.DeviceApprovedEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		entries, err := c.ApprovedPublicKeys(ctx, organisationID)
		if err != nil {
			log.Errorf("Error refreshing approved keys after %s: %v", event.DeviceUid, err)
			return
		}
		reload(entries)
	})
}
