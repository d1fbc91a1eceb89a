package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSWalletClient talks to the venue's wallet service over NATS
// request/reply. Subjects are {prefix}.pull and {prefix}.push; the wallet
// either moves the full amount or refuses, there are no partial transfers.
type NATSWalletClient struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

type walletRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type walletReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func NewNATSWalletClient(nc *nats.Conn, prefix string, timeout time.Duration) *NATSWalletClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSWalletClient{nc: nc, prefix: prefix, timeout: timeout}
}

func (wc *NATSWalletClient) Pull(ctx context.Context, account string, amount int64) error {
	return wc.request(ctx, wc.prefix+".pull", account, amount)
}

func (wc *NATSWalletClient) Push(ctx context.Context, account string, amount int64) error {
	return wc.request(ctx, wc.prefix+".push", account, amount)
}

func (wc *NATSWalletClient) request(ctx context.Context, subject, account string, amount int64) error {
	data, err := json.Marshal(walletRequest{Account: account, Amount: amount})
	if err != nil {
		return fmt.Errorf("marshal wallet request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, wc.timeout)
	defer cancel()

	msg, err := wc.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", subject, err)
	}

	var reply walletReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("wallet %s: bad reply: %w", subject, err)
	}
	if !reply.OK {
		return fmt.Errorf("wallet %s refused: %s", subject, reply.Error)
	}
	return nil
}
