// Package pcsc binds the protocol engines to a PC/SC smart-card reader
// through github.com/ebfe/scard. It satisfies the Transport interface of
// the desfire and ultralightc packages.
package pcsc

import (
	"fmt"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC context and one connected card.
type Connection struct {
	ctx    *scard.Context
	card   *scard.Card
	Reader string
}

// Connect establishes a connection to the card on the reader with the given
// index (0-based).
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect to %q failed: %w", reader, err)
	}

	return &Connection{ctx: ctx, card: card, Reader: reader}, nil
}

// ListReaders returns the names of the attached readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Transmit sends one APDU and returns the full response including SW1 SW2.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.card.Transmit(apdu)
}

// Close disconnects the card and releases the context. Idempotent.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var first error
	if c.card != nil {
		if err := c.card.Disconnect(scard.LeaveCard); err != nil {
			first = err
		}
		c.card = nil
	}
	if c.ctx != nil {
		if err := c.ctx.Release(); err != nil && first == nil {
			first = err
		}
		c.ctx = nil
	}
	return first
}
