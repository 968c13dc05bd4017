package canon

import (
	"fmt"
	"time"
)

// ActorType distinguishes the two kinds of principal that can append
// events. The signer key used to append must carry a purpose matching
// the actor's type.
type ActorType string

const (
	ActorRobot    ActorType = "robot"
	ActorOperator ActorType = "operator"
)

// Actor identifies who caused an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Draft is an event prepared for append but not yet assigned a seq or
// chain-linked; AppendEvents (eventstore package) fills in Seq and
// PrevChainHash against the live head.
type Draft struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	At            time.Time `json:"at"`
	Actor         Actor     `json:"actor"`
	Payload       any       `json:"payload"`
	PayloadHash   string    `json:"payloadHash"`
	PrevChainHash *string   `json:"prevChainHash"`
	ChainHash     string    `json:"chainHash"`
	SignerKeyID   string    `json:"signerKeyId,omitempty"`
	Signature     string    `json:"signature,omitempty"`
}

// Signer produces a signature over a chain hash. Signature-algorithm
// internals are an external collaborator; the core only depends on this
// interface.
type Signer interface {
	KeyID() string
	Sign(chainHash string) (signature string, err error)
}

// chainHashInput is the exact struct hashed to produce chainHash, field
// order fixed by JSON struct tags and canon.JSON's key sort.
type chainHashInput struct {
	Prev        *string `json:"prev"`
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	At          string  `json:"at"`
	Actor       Actor   `json:"actor"`
	PayloadHash string  `json:"payloadHash"`
}

// NewDraft builds a chained-event draft with payloadHash and chainHash
// computed as: payloadHash = H(canon(payload)); chainHash =
// H(canon({prev, id, type, at, actor, payloadHash})).
func NewDraft(id, eventType string, at time.Time, actor Actor, payload any, prevChainHash *string) (Draft, error) {
	_, payloadHash, err := HashPayload(payload)
	if err != nil {
		return Draft{}, fmt.Errorf("canon.NewDraft: %w", err)
	}

	input := chainHashInput{
		Prev:        prevChainHash,
		ID:          id,
		Type:        eventType,
		At:          at.UTC().Format(time.RFC3339Nano),
		Actor:       actor,
		PayloadHash: payloadHash,
	}
	_, chainHash, err := HashPayload(input)
	if err != nil {
		return Draft{}, fmt.Errorf("canon.NewDraft chain hash: %w", err)
	}

	return Draft{
		ID:            id,
		Type:          eventType,
		At:            at.UTC(),
		Actor:         actor,
		Payload:       payload,
		PayloadHash:   payloadHash,
		PrevChainHash: prevChainHash,
		ChainHash:     chainHash,
	}, nil
}

// Sign binds a signer's signature to the draft's chainHash.
func Sign(d Draft, signer Signer) (Draft, error) {
	sig, err := signer.Sign(d.ChainHash)
	if err != nil {
		return Draft{}, fmt.Errorf("canon.Sign: %w", err)
	}
	d.SignerKeyID = signer.KeyID()
	d.Signature = sig
	return d, nil
}

// VerifyChainLink checks that next's prevChainHash equals prev's chainHash
// (or that prev is the empty string and next.PrevChainHash is nil), and
// that next.ChainHash is the value NewDraft would have computed.
func VerifyChainLink(prevChainHash string, next Draft) error {
	var prevPtr *string
	if prevChainHash != "" {
		prevPtr = &prevChainHash
	}
	gotPrev := ""
	if next.PrevChainHash != nil {
		gotPrev = *next.PrevChainHash
	}
	if gotPrev != prevChainHash {
		return fmt.Errorf("canon.VerifyChainLink: prevChainHash mismatch: want %q got %q", prevChainHash, gotPrev)
	}

	input := chainHashInput{
		Prev:        prevPtr,
		ID:          next.ID,
		Type:        next.Type,
		At:          next.At.UTC().Format(time.RFC3339Nano),
		Actor:       next.Actor,
		PayloadHash: next.PayloadHash,
	}
	_, expected, err := HashPayload(input)
	if err != nil {
		return fmt.Errorf("canon.VerifyChainLink: %w", err)
	}
	if expected != next.ChainHash {
		return fmt.Errorf("canon.VerifyChainLink: chainHash mismatch: want %s got %s", expected, next.ChainHash)
	}
	return nil
}
