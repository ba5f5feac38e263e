// Package payload seals and opens the ticket reference carried in a QR code.
package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

var ErrMalformed = errors.New("malformed ticket payload")

// TicketRef is what a gate learns from a presented code. OrderID and EventID
// are empty when the code only carried a bare ticket ID.
type TicketRef struct {
	TicketID string `json:"ticket_id"`
	OrderID  string `json:"order_id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
}

type Codec struct {
	secret []byte
}

// NewCodec derives the AES-256 key from secret. An empty secret yields a codec
// that only understands bare ticket IDs.
func NewCodec(secret string) *Codec {
	if secret == "" {
		return &Codec{}
	}
	hashed := sha256.Sum256([]byte(secret))
	return &Codec{secret: hashed[:]}
}

func (c *Codec) Seal(ref TicketRef) (string, error) {
	if c.secret == nil {
		return ref.TicketID, nil
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return "", err
	}
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, data, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open resolves a raw scanned payload. Bare UUIDs are accepted as ticket IDs
// so printed fallback codes keep working.
func (c *Codec) Open(raw string) (TicketRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TicketRef{}, ErrMalformed
	}
	if _, err := uuid.Parse(raw); err == nil {
		return TicketRef{TicketID: raw}, nil
	}
	if c.secret == nil {
		return TicketRef{}, ErrMalformed
	}

	sealed, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return TicketRef{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	gcm, err := c.aead()
	if err != nil {
		return TicketRef{}, err
	}
	if len(sealed) < gcm.NonceSize() {
		return TicketRef{}, ErrMalformed
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	data, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return TicketRef{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ref TicketRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.TicketID == "" {
		return TicketRef{}, ErrMalformed
	}
	return ref, nil
}

// RenderPNG seals ref and encodes it as a QR image.
func (c *Codec) RenderPNG(ref TicketRef, size int) ([]byte, error) {
	sealed, err := c.Seal(ref)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(sealed, qrcode.Medium, size)
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
