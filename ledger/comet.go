package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/trackware/custodyd/faults"
)

// Client is the subset of the CometBFT RPC client the gateway needs. The
// http and local clients both satisfy it; tests substitute a double.
type Client interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
	Status(ctx context.Context) (*cmtrpctypes.ResultStatus, error)
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*cmtrpctypes.ResultABCIQuery, error)
}

// txEnvelope is the wire form of every submitted transaction.
type txEnvelope struct {
	Kind      string      `json:"kind"`
	ObjectID  string      `json:"object_id,omitempty"`
	EventType string      `json:"event_type,omitempty"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CometGateway submits custody transactions to a CometBFT chain.
type CometGateway struct {
	client  Client
	timeout time.Duration
	logger  cmtlog.Logger
}

func NewCometGateway(client Client, timeout time.Duration, logger cmtlog.Logger) *CometGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CometGateway{client: client, timeout: timeout, logger: logger}
}

func (g *CometGateway) MintItem(ctx context.Context, ownerID string, descriptor ItemDescriptor) (string, error) {
	res, err := g.submit(ctx, txEnvelope{
		Kind:      "mint_item",
		EventType: EventMint,
		OwnerID:   ownerID,
		Payload:   descriptor,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	// The transaction hash doubles as the object identifier for minted items.
	return res.TxHash, nil
}

func (g *CometGateway) RecordEvent(ctx context.Context, objectID, eventType string, payload interface{}) (*TxResult, error) {
	if objectID == "" {
		return nil, faults.Permanent("record event", fmt.Errorf("empty ledger object identifier"))
	}
	return g.submit(ctx, txEnvelope{
		Kind:      "record_event",
		ObjectID:  objectID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (g *CometGateway) ReadObject(ctx context.Context, objectID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.client.ABCIQuery(ctx, "/object", cmtbytes.HexBytes(objectID))
	if err != nil {
		return nil, faults.Transient("read object", err)
	}
	if res.Response.Code != 0 {
		return nil, faults.Permanent("read object",
			fmt.Errorf("ledger rejected query (code %d): %s", res.Response.Code, res.Response.Log))
	}
	return res.Response.Value, nil
}

func (g *CometGateway) Ping(ctx context.Context) error {
	_, err := g.client.Status(ctx)
	return err
}

// submit serializes the envelope and broadcasts it, waiting for commit. The
// RPC call runs in its own goroutine so a cancelled context unblocks the
// caller immediately.
func (g *CometGateway) submit(ctx context.Context, envelope txEnvelope) (*TxResult, error) {
	payloadBytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, faults.Permanent("submit", fmt.Errorf("serializing tx: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := g.client.BroadcastTxCommit(ctx, cmttypes.Tx(payloadBytes))
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, faults.Transient("submit", fmt.Errorf("ledger submission timed out: %w", ctx.Err()))
	case out := <-done:
		if out.err != nil {
			return nil, faults.Transient("submit", out.err)
		}
		if out.result.CheckTx.Code != 0 {
			return nil, faults.Permanent("submit",
				fmt.Errorf("ledger rejected transaction (CheckTx code %d): %s",
					out.result.CheckTx.Code, out.result.CheckTx.Log))
		}
		if out.result.TxResult.Code != 0 {
			return nil, faults.Permanent("submit",
				fmt.Errorf("ledger execution failed (code %d): %s",
					out.result.TxResult.Code, out.result.TxResult.Log))
		}
		return &TxResult{
			TxHash:      hex.EncodeToString(out.result.Hash),
			BlockHeight: out.result.Height,
		}, nil
	}
}
