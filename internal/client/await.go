package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmpdev/nmp/internal/message"
	"github.com/nmpdev/nmp/internal/store"
)

// ErrAwaitTimeout reports that no completed message appeared in the sent
// store within the wait budget. The corresponding inbox entry is left in
// place on purpose: the server side may still answer it.
var ErrAwaitTimeout = errors.New("client: timed out waiting for response")

// awaitSent polls the sent store until the named message appears completed,
// the wait budget expires, or ctx is cancelled because the caller hung up.
// Polling is the only viable wait primitive here: the file may materialize
// through the external sync mechanism, which emits no reliable change
// events.
func (c *Client) awaitSent(ctx context.Context, env, name string) (*message.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m, err := c.pollSent(env, name)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("client: await %s/%s: %w", env, name, ErrAwaitTimeout)
			}
			return nil, fmt.Errorf("client: await %s/%s: %w", env, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// pollSent returns the completed message, or nil while it has not arrived.
func (c *Client) pollSent(env, name string) (*message.Message, error) {
	data, err := c.store.Read(env, store.StateSent, name)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: read sent message: %w", err)
	}

	m, err := message.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("client: parse sent message: %w", err)
	}
	if !m.Completed() {
		// Only completed messages belong in sent; keep waiting rather than
		// deliver a response-less file.
		return nil, nil
	}
	return m, nil
}
