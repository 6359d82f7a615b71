package storage

import (
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
)

// obfuscator applies a reversible XOR pass keyed off the device fingerprint
// before values hit disk. This is explicitly NOT cryptographically secure:
// the key is derivable from machine information, so it protects plaintext
// only from casual inspection. Do not upgrade it to real encryption without
// revisiting the threat model.
type obfuscator struct {
	keystream []byte
}

func newObfuscator(fingerprint string) *obfuscator {
	key := pbkdf2.Key([]byte(fingerprint), []byte("mycoRegister/auth"), 4096, 64, sha256.New)
	return &obfuscator{keystream: key}
}

func (o *obfuscator) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ o.keystream[i%len(o.keystream)]
	}
	return out
}

// conceal obfuscates and base64-encodes a plaintext value.
func (o *obfuscator) conceal(value string) string {
	return base64.StdEncoding.EncodeToString(o.xor([]byte(value)))
}

// reveal reverses conceal. Returns an error for undecodable input.
func (o *obfuscator) reveal(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", err
	}
	return string(o.xor(raw)), nil
}
