/**
 * @description
 * This package provides a client for the chain RPC gateway. It encapsulates
 * the logic for making authenticated HTTP requests to the gateway's endpoints:
 * reading an account's pending-inclusive sequence number, submitting a signed
 * token transfer, and polling a submitted transaction until it has enough
 * confirmations.
 *
 * Transfers are signed with the treasury's ed25519 key over a SHA3-256 digest
 * of the canonical pipe-separated transfer tuple. The gateway enforces
 * strictly sequential per-sender nonces and rejects any submission whose
 * nonce does not match the account's next expected sequence.
 *
 * @dependencies
 * - bytes, context, crypto/ed25519, encoding/hex, encoding/json, fmt,
 *   net/http, regexp, time: Standard Go libraries.
 * - golang.org/x/crypto/sha3: Transfer digest.
 */
package chainclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// DefaultConfirmationPollInterval is how often WaitForConfirmations re-reads a
// submitted transaction.
const DefaultConfirmationPollInterval = 3 * time.Second

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s is a well-formed account address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Client is a client for the chain RPC gateway.
type Client struct {
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration
}

// NewClient creates a new chain gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		PollInterval: DefaultConfirmationPollInterval,
	}
}

// TransferRequest is one token transfer to be signed and submitted.
type TransferRequest struct {
	From   string
	To     string
	Token  string
	Amount int64
	Nonce  uint64
}

// Digest returns the SHA3-256 digest of the canonical transfer tuple. The
// pipe separators make the encoding injective for well-formed fields.
func (r TransferRequest) Digest() [32]byte {
	preimage := fmt.Sprintf("%s|%s|%s|%d|%d", r.From, r.To, r.Token, r.Amount, r.Nonce)
	return sha3.Sum256([]byte(preimage))
}

// submitTransferPayload is the wire shape for the submit endpoint.
type submitTransferPayload struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			From      string `json:"from"`
			To        string `json:"to"`
			Token     string `json:"token"`
			Amount    int64  `json:"amount"`
			Nonce     uint64 `json:"nonce"`
			Signature string `json:"signature"`
		} `json:"attributes"`
	} `json:"data"`
}

// TransferResponse is the expected response from the submit endpoint.
type TransferResponse struct {
	Data struct {
		ID         string `json:"id"` // transaction reference
		Type       string `json:"type"`
		Attributes struct {
			Status        string `json:"status"`
			Confirmations int    `json:"confirmations"`
		} `json:"attributes"`
	} `json:"data"`
}

// SequenceResponse carries an account's next sequence number, including
// submitted-but-unconfirmed transactions.
type SequenceResponse struct {
	Data struct {
		Address  string `json:"address"`
		Sequence uint64 `json:"sequence"`
	} `json:"data"`
}

// Transaction statuses reported by the gateway.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusRejected  = "rejected"
)

const sequenceConflictTitle = "SEQUENCE_CONFLICT"

// ErrorResponse represents an error from the chain gateway.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("chain gateway error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown chain gateway error"
}

// IsSequenceConflict reports whether err is the gateway refusing a transfer
// because its nonce does not match the account's next expected sequence.
func IsSequenceConflict(err error) bool {
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	for _, e := range errResp.Errors {
		if e.Title == sequenceConflictTitle {
			return true
		}
	}
	return false
}

// ErrTransferRejected is returned when the chain itself rejected a submitted
// transfer after inclusion was attempted.
var ErrTransferRejected = errors.New("transfer rejected by chain")

// PendingSequence fetches the account's transaction count including
// not-yet-confirmed transactions. This is the value the next nonce must equal.
func (c *Client) PendingSequence(ctx context.Context, address string) (uint64, error) {
	url := c.BaseURL + "/api/v1/accounts/" + address + "/sequence?include_pending=true"

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create sequence request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute sequence request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.decodeError("pending_sequence", resp.StatusCode, bodyBytes)
	}

	var seqResp SequenceResponse
	if err := json.Unmarshal(bodyBytes, &seqResp); err != nil {
		return 0, fmt.Errorf("failed to decode sequence response: %w", err)
	}
	return seqResp.Data.Sequence, nil
}

// SubmitTransfer signs the transfer with the treasury key and submits it.
// The returned transaction reference identifies the transfer for the
// confirmation wait; a success here means accepted into the mempool, not
// confirmed.
func (c *Client) SubmitTransfer(ctx context.Context, transfer TransferRequest, signingKey ed25519.PrivateKey) (*TransferResponse, error) {
	digest := transfer.Digest()
	signature := ed25519.Sign(signingKey, digest[:])

	payload := submitTransferPayload{}
	payload.Data.Type = "TokenTransfer"
	payload.Data.Attributes.From = transfer.From
	payload.Data.Attributes.To = transfer.To
	payload.Data.Attributes.Token = transfer.Token
	payload.Data.Attributes.Amount = transfer.Amount
	payload.Data.Attributes.Nonce = transfer.Nonce
	payload.Data.Attributes.Signature = hex.EncodeToString(signature)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("submit_transfer", resp.StatusCode, bodyBytes)
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return &successResp, nil
}

// GetTransaction reads the current state of a submitted transaction.
func (c *Client) GetTransaction(ctx context.Context, transactionRef string) (*TransferResponse, error) {
	url := c.BaseURL + "/api/v1/transactions/" + transactionRef

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-gateway-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transaction request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("get_transaction", resp.StatusCode, bodyBytes)
	}

	var txResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &txResp); err != nil {
		return nil, fmt.Errorf("failed to decode transaction response: %w", err)
	}
	return &txResp, nil
}

// WaitForConfirmations polls the transaction until it has at least
// minConfirmations, the chain rejects it, or ctx expires. A rejected
// transaction returns ErrTransferRejected.
func (c *Client) WaitForConfirmations(ctx context.Context, transactionRef string, minConfirmations int) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultConfirmationPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		txResp, err := c.GetTransaction(ctx, transactionRef)
		if err != nil {
			return err
		}
		switch {
		case txResp.Data.Attributes.Status == TxStatusRejected:
			return fmt.Errorf("transaction %s: %w", transactionRef, ErrTransferRejected)
		case txResp.Data.Attributes.Confirmations >= minConfirmations:
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmations of %s: %w", transactionRef, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) decodeError(op string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Errors) == 0 {
		log.Printf("level=warn component=chain_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, status)
		return fmt.Errorf("chain gateway returned status %d", status)
	}
	log.Printf("level=warn component=chain_client op=%s status=%d title=%q detail=%q", op, status, errResp.Errors[0].Title, errResp.Errors[0].Detail)
	return &errResp
}
