package rpc

import (
	"crypto"
	"encoding/json"

	"github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
)

// TrustRoot holds the service signing keys fetched during the bootstrap
// handshake. The zero value and nil are both empty.
type TrustRoot struct {
	keys jose.JSONWebKeySet
}

// ParseTrustRoot decodes a JSON Web Key Set, keeping only valid public keys.
func ParseTrustRoot(data []byte) (*TrustRoot, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, errors.Wrap(err, "[ParseTrustRoot] decode key set")
	}
	root := &TrustRoot{}
	for _, k := range set.Keys {
		if !k.Valid() {
			continue
		}
		root.keys.Keys = append(root.keys.Keys, k.Public())
	}
	if len(root.keys.Keys) == 0 {
		return nil, errors.New("[ParseTrustRoot] key set has no usable keys")
	}
	return root, nil
}

// Empty reports whether no keys are held.
func (t *TrustRoot) Empty() bool {
	return t == nil || len(t.keys.Keys) == 0
}

// Key returns the public key with the given id. An empty id matches the only
// key of a single-key set.
func (t *TrustRoot) Key(kid string) (crypto.PublicKey, bool) {
	if t.Empty() {
		return nil, false
	}
	if kid == "" {
		if len(t.keys.Keys) == 1 {
			return t.keys.Keys[0].Key, true
		}
		return nil, false
	}
	matches := t.keys.Key(kid)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0].Key, true
}
